package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of pipeline counters. All fields are updated with
// sync/atomic and may be read at any time.
type Metrics struct {
	// ======================
	// Capture
	// ======================

	// EventsCapturedTotal
	// - events that went through capture, crash path included.
	EventsCapturedTotal int64

	// EventsDroppedTotal
	// - events rejected by the before-send hook.
	EventsDroppedTotal int64

	// SerializationFailuresTotal
	// - events that could not be encoded. They are never queued.
	SerializationFailuresTotal int64

	// CrashesRecordedTotal
	// - fatal events persisted from the crash hook.
	CrashesRecordedTotal int64

	// ======================
	// Delivery
	// ======================

	// DeliveryAttemptsTotal
	// - POSTs started, flush replays included.
	DeliveryAttemptsTotal int64

	// DeliveriesSucceededTotal
	// - POSTs answered with 200.
	DeliveriesSucceededTotal int64

	// DeliveriesFailedTotal
	// - POSTs that failed at transport level or got a non-200 status.
	DeliveriesFailedTotal int64

	// DeliveriesDeferredTotal
	// - submissions persisted without a network attempt
	//   (offline, worker pool saturated or stopped).
	DeliveriesDeferredTotal int64

	// ======================
	// Queue
	// ======================

	RequestsEnqueuedTotal   int64
	RequestsRemovedTotal    int64
	QueuePersistErrorsTotal int64
	QueueCorruptionsTotal   int64

	// QueueDepth
	// - gauge: requests currently pending.
	QueueDepth int64

	// ======================
	// Development sink
	// ======================

	SinkEventsReceivedTotal int64
	SinkRejectedTotal       int64
}

func New() *Metrics {
	return &Metrics{}
}

type entry struct {
	name  string
	help  string
	gauge bool
	v     *int64
}

func (m *Metrics) entries() []entry {
	return []entry{
		{"events_captured_total", "Events that went through capture.", false, &m.EventsCapturedTotal},
		{"events_dropped_total", "Events rejected by the before-send hook.", false, &m.EventsDroppedTotal},
		{"serialization_failures_total", "Events that could not be serialized.", false, &m.SerializationFailuresTotal},
		{"crashes_recorded_total", "Fatal events persisted by the crash hook.", false, &m.CrashesRecordedTotal},
		{"delivery_attempts_total", "Delivery POSTs started.", false, &m.DeliveryAttemptsTotal},
		{"deliveries_succeeded_total", "Deliveries accepted with status 200.", false, &m.DeliveriesSucceededTotal},
		{"deliveries_failed_total", "Deliveries that failed or were rejected.", false, &m.DeliveriesFailedTotal},
		{"deliveries_deferred_total", "Submissions persisted without a network attempt.", false, &m.DeliveriesDeferredTotal},
		{"queue_requests_enqueued_total", "Requests added to the pending queue.", false, &m.RequestsEnqueuedTotal},
		{"queue_requests_removed_total", "Requests removed from the pending queue.", false, &m.RequestsRemovedTotal},
		{"queue_persist_errors_total", "Failed rewrites of the persisted queue.", false, &m.QueuePersistErrorsTotal},
		{"queue_corruptions_total", "Unreadable persisted queues discarded at startup.", false, &m.QueueCorruptionsTotal},
		{"queue_depth", "Requests currently pending.", true, &m.QueueDepth},
		{"sink_events_received_total", "Events accepted by the development sink.", false, &m.SinkEventsReceivedTotal},
		{"sink_rejected_total", "Requests rejected by the development sink.", false, &m.SinkRejectedTotal},
	}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	for _, e := range m.entries() {
		fmt.Fprintf(&sb, "%s=%d\n", e.name, atomic.LoadInt64(e.v))
	}
	return sb.String()
}

// Collectors exposes the counters as Prometheus metrics under the
// "crashrelay" namespace. Values are read at scrape time.
func (m *Metrics) Collectors() []prom.Collector {
	entries := m.entries()
	out := make([]prom.Collector, 0, len(entries))
	for _, e := range entries {
		v := e.v
		read := func() float64 { return float64(atomic.LoadInt64(v)) }
		if e.gauge {
			out = append(out, prom.NewGaugeFunc(prom.GaugeOpts{
				Namespace: "crashrelay",
				Name:      e.name,
				Help:      e.help,
			}, read))
			continue
		}
		out = append(out, prom.NewCounterFunc(prom.CounterOpts{
			Namespace: "crashrelay",
			Name:      e.name,
			Help:      e.help,
		}, read))
	}
	return out
}

// Register adds Collectors to reg.
func (m *Metrics) Register(reg prom.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}
