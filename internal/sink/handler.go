// Package sink is a minimal ingestion endpoint for development and tests. It
// accepts what the dispatcher sends, checks the auth header and keeps the
// most recent events in memory.
package sink

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"crashrelay/internal/metrics"
	"crashrelay/internal/pool"
	"crashrelay/pkg/event"

	json "github.com/goccy/go-json"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// PublicKey and SecretKey, when set, must match the auth header.
	PublicKey string
	SecretKey string

	MaxBodySize int64 // default 1MB
	Keep        int   // events retained for Events, default 100
}

type Handler struct {
	opts    Options
	metrics *metrics.Metrics

	mu     sync.Mutex
	events []event.Event
}

func NewHandler(opts Options, m *metrics.Metrics) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	if opts.Keep <= 0 {
		opts.Keep = 100
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{opts: opts, metrics: m}
}

// Routes wires the store endpoint plus /metrics and /health. A non-nil reg
// is also served in Prometheus format on /metrics/prometheus.
func (h *Handler) Routes(reg *prom.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/{project}/store/", h.HandleStore)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if reg != nil {
		mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

// HandleStore
//
//  1. auth header present and, if configured, matching keys → else 401
//  2. body within MaxBodySize → else 413
//  3. body decodes to an event with an id → else 400
//  4. 200, event retained
func (h *Handler) HandleStore(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	auth, ok := ParseAuth(r.Header.Get("X-Sentry-Auth"))
	if !ok || !h.authorized(auth) {
		h.reject(w, r, http.StatusUnauthorized, "bad auth header")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.opts.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		h.reject(w, r, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var ev event.Event
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil || ev.EventID == "" {
		h.reject(w, r, http.StatusBadRequest, "invalid event")
		return
	}

	h.mu.Lock()
	h.events = append(h.events, ev)
	if over := len(h.events) - h.opts.Keep; over > 0 {
		h.events = append([]event.Event(nil), h.events[over:]...)
	}
	h.mu.Unlock()

	atomic.AddInt64(&h.metrics.SinkEventsReceivedTotal, 1)
	log.Info().
		Str("project", project).
		Str("event_id", ev.EventID).
		Str("level", string(ev.Level)).
		Str("message", ev.Message).
		Str("client", auth["sentry_client"]).
		Str("ip", clientIP(r)).
		Msg("event received")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"id":"`+ev.EventID+`"}`)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, status int, reason string) {
	atomic.AddInt64(&h.metrics.SinkRejectedTotal, 1)
	log.Warn().Int("status", status).Str("ip", clientIP(r)).Msg(reason)
	http.Error(w, reason, status)
}

func (h *Handler) authorized(auth map[string]string) bool {
	if auth["sentry_key"] == "" {
		return false
	}
	if h.opts.PublicKey != "" && auth["sentry_key"] != h.opts.PublicKey {
		return false
	}
	if h.opts.SecretKey != "" && auth["sentry_secret"] != h.opts.SecretKey {
		return false
	}
	return true
}

// Events returns the retained events, oldest first.
func (h *Handler) Events() []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.Event(nil), h.events...)
}

func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// ParseAuth splits "Sentry k=v,k=v" into its fields.
func ParseAuth(header string) (map[string]string, bool) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Sentry") {
		return nil, false
	}
	out := map[string]string{}
	for _, part := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, true
}
