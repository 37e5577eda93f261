package loopmon

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type natsMessage struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	mu       sync.Mutex
	messages []natsMessage
	err      error
	drains   int
}

func (f *fakeNATS) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return nil
}

func (f *fakeNATS) drained() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

// stubDialNATS makes every dial return conn and counts the dials
func stubDialNATS(t *testing.T, conn *fakeNATS) *int {
	t.Helper()
	dials := 0
	orig := dialNATS
	dialNATS = func(string, string, *zap.Logger) (natsConn, error) {
		dials++
		return conn, nil
	}
	t.Cleanup(func() { dialNATS = orig })
	return &dials
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, natsMessage{subject: subject, data: data})
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	conn := &fakeNATS{}
	sink := NewNATSSink(conn, "metrics.api", "api")

	a := newTestAggregator()
	a.Count(Requests, 2)
	a.KV(CallbackDuration, 0.5)
	require.NoError(t, sink.Publish(context.Background(), a.Snapshot()))

	require.Len(t, conn.messages, 1)
	assert.Equal(t, "metrics.api", conn.messages[0].subject)

	var body map[string]any
	require.NoError(t, json.Unmarshal(conn.messages[0].data, &body))
	assert.Equal(t, "api", body["service"])
	assert.Contains(t, body, "timestamp")
	assert.Equal(t, map[string]any{"requests": float64(2)}, body["counters"])
	assert.Equal(t, map[string]any{"callback_duration": 0.5}, body["avg_gauges"])
}

func TestNATSSinkPublishError(t *testing.T) {
	conn := &fakeNATS{err: errors.New("nats: connection closed")}
	sink := NewNATSSink(conn, "metrics.api", "api")

	err := sink.Publish(context.Background(), newTestAggregator().Snapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics.api")
}

func TestNATSSinkHonoursCancelledContext(t *testing.T) {
	conn := &fakeNATS{}
	sink := NewNATSSink(conn, "metrics.api", "api")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, Snapshot{}), context.Canceled)
	assert.Empty(t, conn.messages)
}

func TestNATSReporter(t *testing.T) {
	conn := &fakeNATS{}
	reporter := NewNATSReporter(conn, "alerts.api", "api")

	require.NoError(t, reporter.Report(context.Background(), "event loop blocked for 2s in\nstack"))
	require.Len(t, conn.messages, 1)
	assert.Equal(t, "alerts.api", conn.messages[0].subject)

	var body natsReport
	require.NoError(t, json.Unmarshal(conn.messages[0].data, &body))
	assert.Equal(t, "api", body.Service)
	assert.Equal(t, "event loop blocked for 2s in\nstack", body.Message)
	assert.False(t, body.Timestamp.IsZero())
}

func TestDialNATSFailure(t *testing.T) {
	_, err := DialNATS("nats://127.0.0.1:1", "api", nil)
	assert.Error(t, err)
}

func TestNATSSinkDrainsOwnedConnection(t *testing.T) {
	conn := &fakeNATS{}
	dials := stubDialNATS(t, conn)

	config := DefaultConfig()
	config.Publish = PublishPush
	config.NATS.URL = "nats://nats:4222"
	config.NATS.Subject = "metrics"

	sink, err := NewSink(config)
	require.NoError(t, err)
	require.IsType(t, &NATSSink{}, sink)
	assert.Equal(t, 1, *dials)

	p := NewPushPublisher(sink, time.Hour, nil)
	require.NoError(t, p.Start(newTestMonitor(t, nil)))
	require.NoError(t, p.Stop())
	assert.Equal(t, 1, conn.drained())

	require.NoError(t, sink.(*NATSSink).Close())
	assert.Equal(t, 1, conn.drained())

	// a borrowed connection is left to its owner
	borrowed := NewNATSSink(conn, "metrics", "api")
	require.NoError(t, borrowed.Close())
	assert.Equal(t, 1, conn.drained())
}
