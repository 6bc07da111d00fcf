// Package raven is the capture API. A Client owns the parsed DSN, the
// pending queue, the delivery workers and its crash hook; the package-level
// functions delegate to one process-wide Client set up by Init.
package raven

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"crashrelay/internal/crash"
	"crashrelay/internal/metrics"
	"crashrelay/internal/queue"
	"crashrelay/internal/worker"
	"crashrelay/pkg/dsn"
	"crashrelay/pkg/event"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// BeforeSendFunc may change the event in place or return a replacement.
// Returning nil drops the event.
type BeforeSendFunc func(ev *event.Event) *event.Event

// CaptureListener sees every event before the before-send hook and may
// change it in place.
type CaptureListener func(ev *event.Event)

// MaxCaptureListeners bounds AddCaptureListener.
const MaxCaptureListeners = 5

// CrashHookID is the id the client's handler uses in the crash chain.
const CrashHookID = "crashrelay"

var ErrTooManyListeners = errors.New("too many capture listeners")

type (
	BlobStore    = queue.BlobStore
	Connectivity = worker.Connectivity
	Request      = queue.Request
)

// NewFileStore persists pending requests in a local file.
func NewFileStore(path string) BlobStore { return queue.NewFileStore(path) }

// NewMemoryStore keeps pending requests for the lifetime of the process only.
func NewMemoryStore() BlobStore { return queue.NewMemoryStore() }

// DefaultQueuePath is where pending requests are kept when Options.Store is
// nil.
func DefaultQueuePath() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "crashrelay", queue.DefaultFileName)
}

type Options struct {
	DSN        string // required
	Release    string // defaults to the main module version when built from a tag
	BeforeSend BeforeSendFunc

	AppPackages []string // package prefixes used to pick the culprit frame
	ServerName  string   // defaults to the host name

	Store        BlobStore    // defaults to a FileStore at DefaultQueuePath
	Connectivity Connectivity // defaults to always online
	Workers      int
	JobQueue     int
	HTTPClient   *http.Client // overrides the client built from the DSN

	CrashChain *crash.Chain // defaults to crash.Default
	Metrics    *metrics.Metrics
	Registerer prom.Registerer
}

type namedListener struct {
	tag string
	fn  CaptureListener
}

// Client is safe for concurrent use.
type Client struct {
	dsn         *dsn.DSN
	release     string
	serverName  string
	appPackages []string
	staticTags  map[string]string

	metrics    *metrics.Metrics
	queue      *queue.Queue
	dispatcher *worker.Dispatcher
	chain      *crash.Chain
	hooked     bool

	mu         sync.RWMutex
	beforeSend BeforeSendFunc
	listeners  []namedListener

	closeOnce sync.Once
	closeErr  error
}

// New parses the DSN, starts the delivery workers, installs the crash hook
// and resubmits whatever an earlier process left in the queue. Only DSN and
// metric registration errors are returned.
func New(opts Options) (*Client, error) {
	d, err := dsn.Parse(opts.DSN)
	if err != nil {
		return nil, err
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	if opts.Registerer != nil {
		if err := m.Register(opts.Registerer); err != nil {
			return nil, err
		}
	}

	store := opts.Store
	if store == nil {
		store = queue.NewFileStore(DefaultQueuePath())
	}
	q := queue.New(store, m)

	var sender *worker.HTTPSender
	if opts.HTTPClient != nil {
		sender = worker.NewHTTPSenderWithClient(d, opts.HTTPClient)
	} else {
		sender = worker.NewHTTPSender(d)
	}
	if !d.VerifyTLS() {
		log.Warn().Str("dsn", d.String()).Msg("certificate verification disabled by verify_ssl option")
	}

	serverName := opts.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}

	chain := opts.CrashChain
	if chain == nil {
		chain = crash.Default
	}

	c := &Client{
		dsn:         d,
		release:     releaseOr(opts.Release),
		serverName:  serverName,
		appPackages: append([]string(nil), opts.AppPackages...),
		staticTags:  staticTags(),
		metrics:     m,
		queue:       q,
		chain:       chain,
		beforeSend:  opts.BeforeSend,
	}
	c.dispatcher = worker.NewDispatcher(q, sender, m, worker.Options{
		Workers:      opts.Workers,
		JobQueue:     opts.JobQueue,
		Connectivity: opts.Connectivity,
	})
	c.dispatcher.Start()

	if chain.Install(CrashHookID, 0, c.handleCrash) {
		c.hooked = true
	} else {
		log.Debug().Msg("crash hook already installed")
	}

	c.dispatcher.Flush()

	log.Info().Str("dsn", d.String()).Str("release", c.release).Msg("crash reporting initialized")
	return c, nil
}

// releaseOr falls back to the version of the main module when it was built
// from a tagged version.
func releaseOr(tag string) string {
	if tag != "" {
		return tag
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return ""
}

func staticTags() map[string]string {
	return map[string]string{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"num_cpu":    strconv.Itoa(runtime.NumCPU()),
	}
}

func levelOr(l, def event.Level) event.Level {
	if l == "" {
		return def
	}
	return l
}

// CaptureMessage reports text. An empty level means info. It returns the
// event id, or "" when the event was dropped.
func (c *Client) CaptureMessage(text string, level event.Level) string {
	return c.CaptureEvent(event.NewBuilder().
		Message(text).
		Level(levelOr(level, event.LevelInfo)))
}

// CaptureException reports err with its causal chain. An empty level means
// error. A nil err is ignored.
func (c *Client) CaptureException(err error, level event.Level) string {
	if err == nil {
		return ""
	}
	return c.CaptureEvent(event.NewBuilder().
		AppPackages(c.appPackages...).
		FromErrorStack(err, levelOr(level, event.LevelError), event.Callers(1)))
}

// CaptureEvent finalizes b and hands it to the dispatcher. Delivery problems
// never surface here.
func (c *Client) CaptureEvent(b *event.Builder) string {
	ev := c.prepare(b)
	if ev == nil {
		return ""
	}
	req, ok := c.freeze(ev)
	if !ok {
		return ""
	}
	c.dispatcher.Submit(req)
	return ev.EventID
}

// prepare applies release, defaults, listeners and the before-send hook.
// It returns nil when the hook dropped the event.
func (c *Client) prepare(b *event.Builder) *event.Event {
	atomic.AddInt64(&c.metrics.EventsCapturedTotal, 1)

	b.Release(c.release)
	ev := b.Event()
	if ev.ServerName == "" {
		ev.ServerName = c.serverName
	}
	for k, v := range c.staticTags {
		if _, ok := ev.Tags[k]; !ok {
			ev.Tags[k] = v
		}
	}

	c.mu.RLock()
	listeners := append([]namedListener(nil), c.listeners...)
	hook := c.beforeSend
	c.mu.RUnlock()

	for _, l := range listeners {
		runListener(l, ev)
	}

	if hook != nil {
		ev = hook(ev)
		if ev == nil {
			atomic.AddInt64(&c.metrics.EventsDroppedTotal, 1)
			log.Info().Msg("event dropped by before-send hook")
			return nil
		}
	}
	return ev
}

func runListener(l namedListener, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("listener", l.tag).Interface("panic", r).Msg("capture listener panicked")
		}
	}()
	l.fn(ev)
}

func (c *Client) freeze(ev *event.Event) (queue.Request, bool) {
	data, err := ev.Marshal()
	if err != nil {
		atomic.AddInt64(&c.metrics.SerializationFailuresTotal, 1)
		log.Error().Err(err).Str("event_id", ev.EventID).Msg("event dropped")
		return queue.Request{}, false
	}
	return queue.NewRequest(data), true
}

// handleCrash persists a fatal event straight into the queue, together with
// every request the workers accepted but have not finished. No network
// attempt is made: the process is about to die.
func (c *Client) handleCrash(p *crash.Panic) bool {
	defer c.dispatcher.PersistPending()

	b := event.NewBuilder().
		AppPackages(c.appPackages...).
		FromErrorStack(p.Err(), event.LevelFatal, p.Stack)

	ev := c.prepare(b)
	if ev == nil {
		return true
	}
	req, ok := c.freeze(ev)
	if !ok {
		return true
	}
	c.queue.Add(context.Background(), req)
	atomic.AddInt64(&c.metrics.CrashesRecordedTotal, 1)
	log.Error().Str("event_id", ev.EventID).Str("request_id", req.ID).Msg("crash recorded")
	return true
}

// Recover reports a panic of the current goroutine through the crash chain.
// It must be deferred directly: defer client.Recover().
func (c *Client) Recover() {
	if v := recover(); v != nil {
		c.chain.Handle(crash.NewPanic(v, 2))
	}
}

// SetBeforeSend replaces the before-send hook. nil removes it.
func (c *Client) SetBeforeSend(fn BeforeSendFunc) {
	c.mu.Lock()
	c.beforeSend = fn
	c.mu.Unlock()
}

// AddCaptureListener registers fn under tag, replacing a listener with the
// same tag.
func (c *Client) AddCaptureListener(tag string, fn CaptureListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range c.listeners {
		if l.tag == tag {
			c.listeners[i].fn = fn
			return nil
		}
	}
	if len(c.listeners) >= MaxCaptureListeners {
		return fmt.Errorf("%w: max %d", ErrTooManyListeners, MaxCaptureListeners)
	}
	c.listeners = append(c.listeners, namedListener{tag: tag, fn: fn})
	return nil
}

func (c *Client) RemoveCaptureListener(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range c.listeners {
		if l.tag == tag {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// FlushPendingEvents resubmits every persisted request to the delivery
// workers and returns how many were pending.
func (c *Client) FlushPendingEvents() int {
	return c.dispatcher.Flush()
}

// FlushSync delivers every persisted request on the calling goroutine and
// returns how many remain pending.
func (c *Client) FlushSync(ctx context.Context) int {
	return c.dispatcher.FlushSync(ctx)
}

// Pending lists the persisted requests.
func (c *Client) Pending(ctx context.Context) []Request {
	return c.queue.List(ctx)
}

func (c *Client) DSN() *dsn.DSN { return c.dsn }

func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Close waits for submitted events until ctx ends, persists the rest and
// removes the crash hook. Hosts should call it before exiting: requests
// accepted by the workers but not yet sent live only in memory until then.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.dispatcher.Shutdown(ctx)
		if c.hooked {
			c.chain.Uninstall(CrashHookID)
		}
	})
	return c.closeErr
}
