package loopmon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nikiz24/loopmon/eventloop"
)

type fakeServer struct {
	mu          sync.Mutex
	routes      map[string]http.Handler
	middlewares []func(http.Handler) http.Handler
}

func newFakeServer() *fakeServer {
	return &fakeServer{routes: make(map[string]http.Handler)}
}

func (s *fakeServer) AddRoute(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = h
}

func (s *fakeServer) AddMiddleware(mw func(next http.Handler) http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

func (s *fakeServer) route(pattern string) http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes[pattern]
}

// wrap applies the registered middlewares around h, first registered outermost
func (s *fakeServer) wrap(h http.Handler) http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

func newTestMonitor(t *testing.T, publisher Publisher) *Monitor {
	t.Helper()
	config := DefaultConfig()
	config.SampleInterval = time.Hour
	m, err := NewMonitor(config, eventloop.New(nil), publisher)
	require.NoError(t, err)
	m.aggregator.readProcess = newTestAggregator().readProcess
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func get(h http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPullPublisherServesTrustedCallers(t *testing.T) {
	server := newFakeServer()
	publisher := NewPullPublisher(server, "", nil)
	m := newTestMonitor(t, publisher)
	require.NoError(t, m.Start())

	h := server.route(DefaultMonitorPath)
	require.NotNil(t, h)

	m.Count("x", 1)
	rec := get(h, "127.0.0.1:5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{"x": float64(1)}, body["counters"])
	process := body["process"].(map[string]any)
	assert.Equal(t, float64(1024), process["mem_info"].(map[string]any)["rss_bytes"])
	assert.Equal(t, float64(7), process["num_fds"])

	m.Count("y", 2)
	rec = get(h, "203.0.113.7:4000", map[string]string{"X-Real-Ip": "10.1.2.3"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{"y": float64(2)}, body["counters"])
}

func TestPullPublisherRejectsPublicCallers(t *testing.T) {
	server := newFakeServer()
	m := newTestMonitor(t, NewPullPublisher(server, "/stats", nil))
	require.NoError(t, m.Start())
	h := server.route("/stats")
	require.NotNil(t, h)

	m.Count("x", 1)

	rec := get(h, "8.8.8.8:1234", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = get(h, "127.0.0.1:1234", map[string]string{"X-Real-Ip": "203.0.113.9"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// a forwarded-for hop is client supplied and cannot vouch for a public peer
	rec = get(h, "8.8.8.8:1234", map[string]string{"X-Forwarded-For": "10.0.0.1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// rejected requests must not consume the snapshot
	assert.Equal(t, int64(1), m.Aggregator().Counter("x"))
	rec = get(h, "[::1]:1234", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"x":1`)
}

func TestPullPublisherRejectsNonGet(t *testing.T) {
	server := newFakeServer()
	m := newTestMonitor(t, NewPullPublisher(server, "", nil))
	require.NoError(t, m.Start())

	m.Count("x", 1)
	req := httptest.NewRequest(http.MethodPost, "/monitor", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	server.route(DefaultMonitorPath).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, int64(1), m.Aggregator().Counter("x"))
}

func TestCallerAddress(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"peer", "192.0.2.10:8080", nil, "192.0.2.10"},
		{"peer ipv6", "[2001:db8::1]:443", nil, "2001:db8::1"},
		{"real ip wins", "127.0.0.1:1", map[string]string{"X-Real-Ip": "198.51.100.4", "X-Forwarded-For": "10.0.0.1"}, "198.51.100.4"},
		{"forwarded ignored", "8.8.8.8:1", map[string]string{"X-Forwarded-For": " 10.0.0.5 , 127.0.0.1"}, "8.8.8.8"},
		{"no port", "10.0.0.9", nil, "10.0.0.9"},
		{"empty", "", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, CallerAddress(req))
		})
	}
}

func TestIsTrustedAddress(t *testing.T) {
	tests := map[string]bool{
		"":            true,
		"127.0.0.1":   true,
		"::1":         true,
		"10.20.30.40": true,
		"172.16.0.1":  true,
		"192.168.1.1": true,
		"fd00::1":     true,
		"169.254.1.1": true,
		"8.8.8.8":     false,
		"172.32.0.1":  false,
		"2001:db8::1": false,
		"not-an-ip":   false,
	}

	for addr, want := range tests {
		assert.Equal(t, want, IsTrustedAddress(addr), addr)
	}
}

func TestPushPublisherKeepsTickingAfterFailures(t *testing.T) {
	var calls atomic.Int32
	sink := SinkFunc(func(context.Context, Snapshot) error {
		calls.Add(1)
		return errors.New("collector unreachable")
	})

	core, logs := observer.New(zap.ErrorLevel)
	publisher := NewPushPublisher(sink, 10*time.Millisecond, zap.New(core))
	m := newTestMonitor(t, publisher)
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	assert.GreaterOrEqual(t, logs.FilterMessage("Failed to publish metrics").Len(), 3)
}

func TestPushPublisherRecoversPanics(t *testing.T) {
	var calls atomic.Int32
	sink := SinkFunc(func(context.Context, Snapshot) error {
		calls.Add(1)
		panic("sink exploded")
	})

	publisher := NewPushPublisher(sink, 10*time.Millisecond, nil)
	m := newTestMonitor(t, publisher)
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPushPublisherPublishesSnapshots(t *testing.T) {
	snapshots := make(chan Snapshot, 16)
	sink := SinkFunc(func(_ context.Context, s Snapshot) error {
		snapshots <- s
		return nil
	})

	publisher := NewPushPublisher(sink, 20*time.Millisecond, nil)
	m := newTestMonitor(t, publisher)
	m.Count("pushed", 3)
	require.NoError(t, m.Start())

	select {
	case s := <-snapshots:
		assert.Equal(t, int64(3), s.Counters["pushed"])
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
	assert.Zero(t, m.Aggregator().Counter("pushed"))
}

func TestPushPublisherStartTwice(t *testing.T) {
	publisher := NewPushPublisher(NewLogSink(nil), time.Hour, nil)
	m := newTestMonitor(t, nil)

	require.NoError(t, publisher.Start(m))
	assert.ErrorIs(t, publisher.Start(m), ErrAlreadyStarted)
	require.NoError(t, publisher.Stop())
	require.NoError(t, publisher.Stop())
}

func TestLogSinkWritesSnapshot(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	a := newTestAggregator()
	a.Count("requests", 4)
	require.NoError(t, sink.Publish(context.Background(), a.Snapshot()))

	entries := logs.FilterMessage("Monitor snapshot").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, uint64(1024), fields["rss_bytes"])
	assert.Equal(t, int64(7), fields["num_fds"])
}

func TestNullPublisher(t *testing.T) {
	var p Publisher = NullPublisher{}
	assert.NoError(t, p.Start(nil))
	assert.NoError(t, p.Stop())
}
