package sink

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crashrelay/internal/metrics"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodAuth = "Sentry sentry_version=4,sentry_client=test/1,sentry_timestamp=1,sentry_key=pub,sentry_secret=sec"

func post(t *testing.T, h http.Handler, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("X-Sentry-Auth", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestParseAuth(t *testing.T) {
	auth, ok := ParseAuth(goodAuth)
	require.True(t, ok)
	assert.Equal(t, "pub", auth["sentry_key"])
	assert.Equal(t, "sec", auth["sentry_secret"])
	assert.Equal(t, "4", auth["sentry_version"])

	_, ok = ParseAuth("Bearer abc")
	assert.False(t, ok)
	_, ok = ParseAuth("")
	assert.False(t, ok)
}

func TestHandleStore_Accepts(t *testing.T) {
	m := metrics.New()
	h := NewHandler(Options{PublicKey: "pub", SecretKey: "sec"}, m)
	routes := h.Routes(nil)

	rec := post(t, routes, "/api/42/store/", goodAuth, `{"event_id":"abc","level":"warning","message":"boom"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"abc"}`, rec.Body.String())

	events := h.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].Message)
	assert.EqualValues(t, 1, m.SinkEventsReceivedTotal)
}

func TestHandleStore_Rejects(t *testing.T) {
	m := metrics.New()
	h := NewHandler(Options{PublicKey: "pub", SecretKey: "sec", MaxBodySize: 64}, m)
	routes := h.Routes(nil)

	assert.Equal(t, http.StatusUnauthorized, post(t, routes, "/api/1/store/", "", `{"event_id":"a"}`).Code)
	assert.Equal(t, http.StatusUnauthorized,
		post(t, routes, "/api/1/store/", strings.Replace(goodAuth, "sentry_secret=sec", "sentry_secret=nope", 1), `{"event_id":"a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, routes, "/api/1/store/", goodAuth, `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, routes, "/api/1/store/", goodAuth, `{"message":"no id"}`).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge,
		post(t, routes, "/api/1/store/", goodAuth, `{"event_id":"a","message":"`+strings.Repeat("x", 100)+`"}`).Code)

	assert.Empty(t, h.Events())
	assert.EqualValues(t, 5, m.SinkRejectedTotal)
}

func TestHandleStore_KeepsMostRecent(t *testing.T) {
	h := NewHandler(Options{Keep: 2}, nil)
	routes := h.Routes(nil)
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusOK, post(t, routes, "/api/1/store/", goodAuth, `{"event_id":"`+id+`"}`).Code)
	}

	events := h.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].EventID)
	assert.Equal(t, "c", events[1].EventID)
}

func TestRoutes_MetricsAndHealth(t *testing.T) {
	m := metrics.New()
	reg := prom.NewRegistry()
	require.NoError(t, m.Register(reg))
	routes := NewHandler(Options{}, m).Routes(reg)

	for path, want := range map[string]string{
		"/health":             "ok",
		"/metrics":            "sink_events_received_total=0",
		"/metrics/prometheus": "crashrelay_sink_events_received_total 0",
	} {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		body, _ := io.ReadAll(rec.Body)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, string(body), want, path)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	assert.Equal(t, "10.0.0.5", clientIP(r))

	r.Header.Set("X-Forwarded-For", "192.168.1.1, 203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
