package loopmon

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives snapshots from a PushPublisher
type Sink interface {
	Publish(ctx context.Context, snapshot Snapshot) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, snapshot Snapshot) error

// Publish implements Sink
func (fn SinkFunc) Publish(ctx context.Context, snapshot Snapshot) error {
	return fn(ctx, snapshot)
}

// PushPublisher takes a snapshot on a fixed interval and sends it to a sink.
// A failed send is logged and the next tick happens on schedule.
type PushPublisher struct {
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPushPublisher creates a push publisher
func NewPushPublisher(sink Sink, interval time.Duration, logger *zap.Logger) *PushPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushPublisher{
		sink:     sink,
		interval: pickDuration(interval, DefaultPublishInterval),
		timeout:  DefaultPublishTimeout,
		logger:   logger,
	}
}

// SetTimeout bounds a single publish
func (p *PushPublisher) SetTimeout(d time.Duration) {
	p.mutex.Lock()
	p.timeout = pickDuration(d, DefaultPublishTimeout)
	p.mutex.Unlock()
}

// Start implements Publisher
func (p *PushPublisher) Start(m *Monitor) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("push publisher: %w", ErrAlreadyStarted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	timeout := p.timeout

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.publish(ctx, m, timeout)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop implements Publisher. No publish runs after Stop returns. A sink that
// implements io.Closer is closed.
func (p *PushPublisher) Stop() error {
	p.mutex.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	p.wg.Wait()
	if c, ok := p.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *PushPublisher) publish(ctx context.Context, m *Monitor, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Metrics publisher panicked", zap.Any("panic", r))
		}
	}()

	if ctx.Err() != nil {
		return
	}

	snapshot := m.Snapshot()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sink.Publish(pctx, snapshot); err != nil {
		p.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

// LogSink writes snapshots to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by logger
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink
func (s *LogSink) Publish(_ context.Context, snapshot Snapshot) error {
	s.logger.Info("Monitor snapshot",
		zap.Uint64("rss_bytes", snapshot.Process.MemInfo.RSSBytes),
		zap.Uint64("vsz_bytes", snapshot.Process.MemInfo.VSZBytes),
		zap.Float64("cpu_user_time", snapshot.Process.CPU.UserTime),
		zap.Float64("cpu_system_time", snapshot.Process.CPU.SystemTime),
		zap.Int("num_fds", snapshot.Process.NumFDs),
		zap.Any("counters", snapshot.Counters),
		zap.Any("max_gauges", snapshot.MaxGauges),
		zap.Any("avg_gauges", snapshot.AvgGauges))
	return nil
}
