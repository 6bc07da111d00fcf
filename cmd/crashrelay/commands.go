package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crashrelay/internal/config"
	"crashrelay/internal/metrics"
	"crashrelay/internal/sink"
	"crashrelay/pkg/dsn"
	"crashrelay/pkg/event"

	json "github.com/goccy/go-json"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type CaptureCmd struct {
	Level   string        `short:"l" help:"Event level" default:"info" enum:"debug,info,warning,error,fatal"`
	Timeout time.Duration `help:"How long to wait for delivery" default:"15s"`
	Text    []string      `arg:"" help:"Message text"`
}

func (c *CaptureCmd) Run(g *Globals) error {
	level, err := event.ParseLevel(c.Level)
	if err != nil {
		return err
	}

	client, err := newClient(context.Background(), g.Config, g.Chain)
	if err != nil {
		return err
	}

	id := client.CaptureMessage(strings.Join(c.Text, " "), level)

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("delivery did not finish, event kept for the next flush")
	}

	pending := len(client.Pending(context.Background()))
	fmt.Fprintf(g.Out, "event %s captured, %d pending\n", id, pending)
	return nil
}

type FlushCmd struct {
	Timeout time.Duration `help:"Give up after this long" default:"30s"`
}

func (c *FlushCmd) Run(g *Globals) error {
	d, _, err := newDispatcher(context.Background(), g.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	remaining := d.FlushSync(ctx)

	fmt.Fprintf(g.Out, "%d pending\n", remaining)
	return nil
}

type PendingCmd struct{}

// summary is the part of a payload worth listing.
type summary struct {
	EventID string      `json:"event_id"`
	Level   event.Level `json:"level"`
	Message string      `json:"message"`
}

func (c *PendingCmd) Run(g *Globals) error {
	ctx := context.Background()
	_, q, err := newDispatcher(ctx, g.Config)
	if err != nil {
		return err
	}

	reqs := q.List(ctx)
	for _, req := range reqs {
		var s summary
		if err := json.Unmarshal([]byte(req.Payload), &s); err != nil {
			fmt.Fprintf(g.Out, "%s\t(unreadable payload)\n", req.ID)
			continue
		}
		fmt.Fprintf(g.Out, "%s\t%s\t%s\t%s\n", req.ID, s.EventID, s.Level, s.Message)
	}
	fmt.Fprintf(g.Out, "%d pending\n", len(reqs))
	return nil
}

type SinkCmd struct {
	Addr string `help:"Listen address, overrides CRASHRELAY_SINK_ADDR"`
}

func (c *SinkCmd) Run(g *Globals) error {
	cfg := g.Config
	if c.Addr != "" {
		cfg.SinkAddr = c.Addr
	}
	srv, err := newSinkServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("sink listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newSinkServer accepts keys from the configured DSN when there is one, and
// any key otherwise.
func newSinkServer(cfg config.Config) (*http.Server, error) {
	opts := sink.Options{MaxBodySize: cfg.MaxBodySize}
	if cfg.DSN != "" {
		d, err := dsn.Parse(cfg.DSN)
		if err != nil {
			return nil, err
		}
		opts.PublicKey, opts.SecretKey = d.PublicKey(), d.SecretKey()
	}

	m := metrics.New()
	reg := prom.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:              cfg.SinkAddr,
		Handler:           sink.NewHandler(opts, m).Routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       8 * time.Second,
		WriteTimeout:      8 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}
