package loopmon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nikiz24/loopmon/eventloop"
)

// poster is implemented by schedulers that accept work from other goroutines
type poster interface {
	Post(cb eventloop.Callback)
}

// sampler measures scheduler health on a fixed interval. Each sample runs on
// the scheduler itself, so a starved loop shows up as excess latency between
// two samples.
type sampler struct {
	sched    Scheduler
	rec      Recorder
	interval time.Duration
	logger   *zap.Logger

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending atomic.Bool
	stopped atomic.Bool
	last    time.Time
}

func newSampler(sched Scheduler, rec Recorder, interval time.Duration, logger *zap.Logger) *sampler {
	return &sampler{
		sched:    sched,
		rec:      rec,
		interval: pickDuration(interval, DefaultSampleInterval),
		logger:   logger,
	}
}

func (s *sampler) start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancel != nil || s.stopped.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.last = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.schedule()
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Debug("Started scheduler sampling", zap.Duration("interval", s.interval))
}

// schedule hands one sample to the scheduler. A sample still waiting in the
// queue is not duplicated.
func (s *sampler) schedule() {
	p, ok := s.sched.(poster)
	if !ok {
		s.sample()
		return
	}
	if !s.pending.CompareAndSwap(false, true) {
		return
	}
	p.Post(func() {
		defer s.pending.Store(false)
		s.sample()
	})
}

func (s *sampler) sample() {
	if s.stopped.Load() {
		return
	}

	now := time.Now()
	observed := now.Sub(s.last)
	s.last = now

	s.rec.KV(ExcessCallbackLatency, (observed - s.interval).Seconds())
	if stats, ok := s.sched.(eventloop.Stats); ok {
		s.rec.KV(LoopHandlers, float64(stats.Handlers()))
		s.rec.KV(LoopPendingCallbacks, float64(stats.PendingCallbacks()))
	}
}

// stop cancels the timer. A sample already queued on the scheduler becomes a
// no-op.
func (s *sampler) stop() {
	s.stopped.Store(true)

	s.mutex.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}
