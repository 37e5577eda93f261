package loopmon

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusPublisherServesSnapshot(t *testing.T) {
	server := newFakeServer()
	publisher := NewPrometheusPublisher(server, "", "svc", nil)
	m := newTestMonitor(t, publisher)
	require.NoError(t, m.Start())

	h := server.route(DefaultPrometheusPath)
	require.NotNil(t, h)

	m.Count(Requests, 3)
	m.KV(CallbackDuration, 0.2)
	m.KV(CallbackDuration, 0.4)

	rec := get(h, "127.0.0.1:9000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, "svc_requests 3")
	assert.Contains(t, body, "svc_callback_duration_max 0.4")
	assert.Contains(t, body, "svc_callback_duration_count 2")
	assert.Contains(t, body, "svc_process_open_fds 7")
	assert.Contains(t, body, "go_goroutines")

	// a scrape consumes the snapshot like any other read
	rec = get(h, "127.0.0.1:9000", nil)
	assert.NotContains(t, rec.Body.String(), "svc_requests")
}

func TestPrometheusPublisherRejectsPublicCallers(t *testing.T) {
	server := newFakeServer()
	m := newTestMonitor(t, NewPrometheusPublisher(server, "/prom", "", nil))
	require.NoError(t, m.Start())

	m.Count(Requests, 1)
	rec := get(server.route("/prom"), "8.8.4.4:1000", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, int64(1), m.Aggregator().Counter(Requests))
}

func TestSnapshotCollectorGathers(t *testing.T) {
	m := newTestMonitor(t, nil)
	m.KV(ExcessCallbackLatency, 0.01)

	c := &snapshotCollector{monitor: m, namespace: "loopmon"}
	count := testutil.CollectAndCount(c)
	// five process gauges plus avg, max and count of one summary
	assert.Equal(t, 8, count)
}

func TestSanitizeMetricName(t *testing.T) {
	tests := map[string]string{
		"callback_duration": "callback_duration",
		"http.requests":     "http_requests",
		"db-latency ms":     "db_latency_ms",
		"5xx":               "_5xx",
		"ns:sub":            "ns:sub",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeMetricName(in), in)
	}
}

func TestPrometheusPublisherStartIsOnce(t *testing.T) {
	server := newFakeServer()
	publisher := NewPrometheusPublisher(server, "", "", nil)
	m := newTestMonitor(t, nil)

	require.NoError(t, publisher.Start(m))
	require.NoError(t, publisher.Start(m))
	assert.Len(t, server.routes, 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:1"
	server.route("/metrics").ServeHTTP(rec, req)
	assert.True(t, strings.Contains(rec.Body.String(), "loopmon_process_resident_memory_bytes"))
}
