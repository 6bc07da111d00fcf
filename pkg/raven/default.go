package raven

import (
	"context"
	"sync/atomic"
	"time"

	"crashrelay/internal/crash"
	"crashrelay/pkg/dsn"
	"crashrelay/pkg/event"

	"github.com/rs/zerolog/log"
)

// replaceTimeout bounds how long Init waits for the previous client.
const replaceTimeout = 5 * time.Second

var current atomic.Pointer[Client]

// Init sets up the process-wide client. A malformed DSN is returned before
// anything else changes; otherwise a previous client is closed and replaced.
func Init(opts Options) error {
	if _, err := dsn.Parse(opts.DSN); err != nil {
		return err
	}

	if old := current.Swap(nil); old != nil {
		ctx, cancel := context.WithTimeout(context.Background(), replaceTimeout)
		if err := old.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("previous client did not drain")
		}
		cancel()
	}

	c, err := New(opts)
	if err != nil {
		return err
	}
	current.Store(c)
	return nil
}

// Default returns the client set up by Init, or nil.
func Default() *Client { return current.Load() }

// CaptureMessage reports through the default client. It returns "" when
// Init was not called.
func CaptureMessage(text string, level event.Level) string {
	c := current.Load()
	if c == nil {
		log.Warn().Msg("capture before Init, event discarded")
		return ""
	}
	return c.CaptureMessage(text, level)
}

func CaptureException(err error, level event.Level) string {
	c := current.Load()
	if c == nil {
		log.Warn().Msg("capture before Init, event discarded")
		return ""
	}
	return c.CaptureException(err, level)
}

func CaptureEvent(b *event.Builder) string {
	c := current.Load()
	if c == nil {
		log.Warn().Msg("capture before Init, event discarded")
		return ""
	}
	return c.CaptureEvent(b)
}

func SetBeforeSend(fn BeforeSendFunc) {
	if c := current.Load(); c != nil {
		c.SetBeforeSend(fn)
	}
}

// FlushPendingEvents resubmits the default client's queue. It returns 0
// when Init was not called.
func FlushPendingEvents() int {
	if c := current.Load(); c != nil {
		return c.FlushPendingEvents()
	}
	return 0
}

// Recover must be deferred directly: defer raven.Recover(). Without a
// default client the panic goes through crash.Default unreported.
func Recover() {
	v := recover()
	if v == nil {
		return
	}
	chain := crash.Default
	if c := current.Load(); c != nil {
		chain = c.chain
	}
	chain.Handle(crash.NewPanic(v, 2))
}

// Close closes the default client and clears it.
func Close(ctx context.Context) error {
	if c := current.Swap(nil); c != nil {
		return c.Close(ctx)
	}
	return nil
}
