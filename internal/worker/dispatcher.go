// Package worker delivers queued reports to the ingestion endpoint.
package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"crashrelay/internal/metrics"
	"crashrelay/internal/queue"

	"github.com/rs/zerolog/log"
)

// Connectivity answers the two host questions that decide whether a network
// attempt is worth making.
type Connectivity interface {
	// CanQueryNetwork reports whether the host lets us ask about the network.
	CanQueryNetwork() bool
	// Connected reports an active, connected network.
	Connected() bool
}

// AlwaysOnline is the Connectivity of hosts without a network state API.
type AlwaysOnline struct{}

func (AlwaysOnline) CanQueryNetwork() bool { return true }
func (AlwaysOnline) Connected() bool       { return true }

// ConnectivityFunc adapts a single "connected" probe. The host is assumed to
// allow the query.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) CanQueryNetwork() bool { return true }
func (f ConnectivityFunc) Connected() bool       { return f() }

// Options configures a Dispatcher.
type Options struct {
	Workers      int // delivery goroutines, default 2
	JobQueue     int // buffered submissions, default 64
	Connectivity Connectivity
}

// Dispatcher decides between sending now and persisting for later, and keeps
// the queue in sync with the outcome of every attempt.
//
// Control flow:
//   - Submit: not capable → queue.Add, capable → jobs channel
//   - worker: Deliver → 200 → queue.Remove, anything else → queue.Add
//   - Flush: every queued request goes back through the jobs channel
//
// Submit never blocks the caller. When the jobs channel is full or the
// dispatcher is stopped the request is persisted instead and picked up by the
// next flush.
type Dispatcher struct {
	queue   *queue.Queue
	sender  Sender
	conn    Connectivity
	metrics *metrics.Metrics
	workers int

	jobs chan queue.Request

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex // guards stopped against sends on a closed jobs
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	fmu      sync.Mutex
	inflight map[string]queue.Request
}

func NewDispatcher(q *queue.Queue, s Sender, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.JobQueue <= 0 {
		opts.JobQueue = 64
	}
	if opts.Connectivity == nil {
		opts.Connectivity = AlwaysOnline{}
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:    q,
		sender:   s,
		conn:     opts.Connectivity,
		metrics:  m,
		workers:  opts.Workers,
		jobs:     make(chan queue.Request, opts.JobQueue),
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]queue.Request{},
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.loop()
	}
}

// Shutdown stops accepting jobs and waits for queued jobs to be delivered.
// If ctx ends first, in-flight attempts are aborted and every job still in
// the channel is persisted. Calling Shutdown again is safe.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.jobs)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-done
	}
	d.cancel()

	// left over when Start was never called
	for req := range d.jobs {
		d.queue.Add(context.Background(), req)
	}
	return err
}

// Capable reports whether a network attempt should be made. A host that
// refuses the network state query is treated as online.
func (d *Dispatcher) Capable() bool {
	if !d.conn.CanQueryNetwork() {
		return true
	}
	return d.conn.Connected()
}

// Submit hands req to the pipeline without blocking.
func (d *Dispatcher) Submit(req queue.Request) {
	if !d.Capable() {
		log.Debug().Str("request_id", req.ID).Msg("offline, request queued")
		d.persist(req)
		return
	}
	if !d.enqueue(req) {
		d.persist(req)
	}
}

func (d *Dispatcher) enqueue(req queue.Request) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.jobs <- req:
		return true
	default:
		log.Warn().Str("request_id", req.ID).Msg("delivery workers saturated, request queued")
		return false
	}
}

func (d *Dispatcher) persist(req queue.Request) {
	atomic.AddInt64(&d.metrics.DeliveriesDeferredTotal, 1)
	d.queue.Add(context.Background(), req)
}

// Flush resubmits every persisted request in queue order. Offline, the
// requests simply stay where they are.
func (d *Dispatcher) Flush() int {
	reqs := d.queue.List(context.Background())
	if !d.Capable() {
		return len(reqs)
	}
	for _, req := range reqs {
		if !d.enqueue(req) {
			// still persisted, next flush picks it up
			break
		}
	}
	if len(reqs) > 0 {
		log.Info().Int("pending", len(reqs)).Msg("flushing pending requests")
	}
	return len(reqs)
}

// FlushSync delivers every persisted request on the calling goroutine and
// returns how many are still pending afterwards.
func (d *Dispatcher) FlushSync(ctx context.Context) int {
	for _, req := range d.queue.List(ctx) {
		if ctx.Err() != nil {
			break
		}
		_ = d.Deliver(ctx, req)
	}
	return d.queue.Len(ctx)
}

// Deliver performs one attempt and records its outcome in the queue. The
// returned error is informational; the request is already requeued.
func (d *Dispatcher) Deliver(ctx context.Context, req queue.Request) error {
	atomic.AddInt64(&d.metrics.DeliveryAttemptsTotal, 1)

	d.fmu.Lock()
	d.inflight[req.ID] = req
	d.fmu.Unlock()
	defer func() {
		d.fmu.Lock()
		delete(d.inflight, req.ID)
		d.fmu.Unlock()
	}()

	err := d.sender.Send(ctx, req.Payload)
	if err != nil {
		atomic.AddInt64(&d.metrics.DeliveriesFailedTotal, 1)
		log.Warn().Err(err).Str("request_id", req.ID).Msg("delivery failed, request queued")
		d.queue.Add(ctx, req)
		return err
	}

	atomic.AddInt64(&d.metrics.DeliveriesSucceededTotal, 1)
	log.Debug().Str("request_id", req.ID).Msg("delivered")
	d.queue.Remove(ctx, req)
	return nil
}

// PersistPending writes every accepted but unfinished request to the queue:
// jobs still waiting in the channel and attempts in progress. It is for a
// process about to die; an attempt that later succeeds removes its entry
// again. It returns how many requests were written.
func (d *Dispatcher) PersistPending() int {
	ctx := context.Background()

	d.fmu.Lock()
	inflight := make([]queue.Request, 0, len(d.inflight))
	for _, req := range d.inflight {
		inflight = append(inflight, req)
	}
	d.fmu.Unlock()

	n := 0
	for _, req := range inflight {
		d.queue.Add(ctx, req)
		n++
	}
	for {
		select {
		case req, ok := <-d.jobs:
			if !ok {
				return n
			}
			d.queue.Add(ctx, req)
			n++
		default:
			return n
		}
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for req := range d.jobs {
		if d.ctx.Err() != nil {
			// shutting down: keep it for the next process
			d.queue.Add(context.Background(), req)
			continue
		}
		_ = d.Deliver(d.ctx, req)
	}
}
