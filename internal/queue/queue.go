// Package queue is the durable store of delivery requests that have not been
// accepted by the ingestion endpoint yet.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"crashrelay/internal/metrics"

	"github.com/rs/zerolog/log"
)

var (
	// ErrPersist wraps failures to write the blob. The in-memory queue is
	// still updated; only the on-disk copy lags behind.
	ErrPersist = errors.New("queue persist failed")

	// ErrCorrupted wraps failures to read or decode the blob at hydration.
	// The queue then starts empty.
	ErrCorrupted = errors.New("queue store corrupted")
)

// Queue is a deduplicated, ordered list of requests mirrored to a BlobStore.
//
//   - Add and Remove hold one mutex across the in-memory change and the full
//     rewrite of the blob, so the two views never diverge mid-update.
//   - The blob is read lazily on first use.
//   - Order is insertion order and is kept for replay.
type Queue struct {
	store   BlobStore
	metrics *metrics.Metrics

	mu     sync.Mutex
	loaded bool
	items  []Request
	ids    map[string]struct{}
}

func New(store BlobStore, m *metrics.Metrics) *Queue {
	if m == nil {
		m = metrics.New()
	}
	return &Queue{
		store:   store,
		metrics: m,
		ids:     map[string]struct{}{},
	}
}

// Add appends req unless an entry with the same id is already queued.
// It reports whether the queue changed.
func (q *Queue) Add(ctx context.Context, req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.hydrate(ctx)
	if _, ok := q.ids[req.ID]; ok {
		return false
	}
	q.items = append(q.items, req)
	q.ids[req.ID] = struct{}{}

	atomic.AddInt64(&q.metrics.RequestsEnqueuedTotal, 1)
	atomic.StoreInt64(&q.metrics.QueueDepth, int64(len(q.items)))

	q.persist(ctx)
	return true
}

// Remove drops the entry with req's id. It reports whether one was found.
func (q *Queue) Remove(ctx context.Context, req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.hydrate(ctx)
	if _, ok := q.ids[req.ID]; !ok {
		return false
	}
	for i := range q.items {
		if q.items[i].ID == req.ID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.ids, req.ID)

	atomic.AddInt64(&q.metrics.RequestsRemovedTotal, 1)
	atomic.StoreInt64(&q.metrics.QueueDepth, int64(len(q.items)))

	q.persist(ctx)
	return true
}

// List returns a copy of the queued requests in insertion order.
func (q *Queue) List(ctx context.Context) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.hydrate(ctx)
	return append([]Request(nil), q.items...)
}

func (q *Queue) Len(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.hydrate(ctx)
	return len(q.items)
}

// Contains reports whether a request with id is queued.
func (q *Queue) Contains(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.hydrate(ctx)
	_, ok := q.ids[id]
	return ok
}

// hydrate loads the blob once. Must be called with q.mu held. Cancellation
// of ctx is ignored: a load cut short would look like a corrupted store.
func (q *Queue) hydrate(ctx context.Context) {
	if q.loaded {
		return
	}
	q.loaded = true

	reqs, err := q.load(context.WithoutCancel(ctx))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			atomic.AddInt64(&q.metrics.QueueCorruptionsTotal, 1)
			log.Error().Err(err).Msg("queue store unreadable, starting empty")
		}
		return
	}

	q.items = reqs
	for _, r := range reqs {
		q.ids[r.ID] = struct{}{}
	}
	atomic.StoreInt64(&q.metrics.QueueDepth, int64(len(q.items)))
	log.Debug().Int("pending", len(reqs)).Msg("queue hydrated")
}

func (q *Queue) load(ctx context.Context) ([]Request, error) {
	data, err := q.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	reqs, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return reqs, nil
}

// persist rewrites the blob from q.items. Must be called with q.mu held.
// Cancellation of ctx is ignored so a mutation is never half persisted.
func (q *Queue) persist(ctx context.Context) {
	err := q.save(context.WithoutCancel(ctx))
	if err == nil {
		return
	}
	atomic.AddInt64(&q.metrics.QueuePersistErrorsTotal, 1)
	log.Error().Err(err).Int("pending", len(q.items)).Msg("queue persist failed")
}

func (q *Queue) save(ctx context.Context) error {
	data, err := encode(q.items)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}
	if err := q.store.Save(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}
