package metrics

import (
	"strings"
	"sync/atomic"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.EventsCapturedTotal, 3)
	atomic.StoreInt64(&m.QueueDepth, 2)

	s := m.String()
	assert.Contains(t, s, "events_captured_total=3\n")
	assert.Contains(t, s, "queue_depth=2\n")
	assert.Contains(t, s, "deliveries_failed_total=0\n")
}

func TestRegister(t *testing.T) {
	m := New()
	reg := prom.NewRegistry()
	require.NoError(t, m.Register(reg))

	atomic.AddInt64(&m.DeliveriesSucceededTotal, 5)
	atomic.StoreInt64(&m.QueueDepth, 1)

	expected := `
# HELP crashrelay_deliveries_succeeded_total Deliveries accepted with status 200.
# TYPE crashrelay_deliveries_succeeded_total counter
crashrelay_deliveries_succeeded_total 5
# HELP crashrelay_queue_depth Requests currently pending.
# TYPE crashrelay_queue_depth gauge
crashrelay_queue_depth 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"crashrelay_deliveries_succeeded_total", "crashrelay_queue_depth")
	require.NoError(t, err)

	// a second registration of the same names is refused
	assert.Error(t, m.Register(reg))
}
