package loopmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nikiz24/loopmon/eventloop"
)

const reportTimeout = 10 * time.Second

// Scheduler is the host event loop as seen by the instrumentation: a set of
// named entry points that can be read and replaced.
type Scheduler interface {
	Dispatcher() eventloop.DispatchFunc
	SetDispatcher(eventloop.DispatchFunc)
	Registrar() eventloop.RegisterFunc
	SetRegistrar(eventloop.RegisterFunc)
	ExceptionHandler() eventloop.ExceptionFunc
	SetExceptionHandler(eventloop.ExceptionFunc)
	BlockedHandler() eventloop.BlockedFunc
	SetBlockedHandler(eventloop.BlockedFunc)
}

// Instrumentor wraps scheduler entry points without changing what they do.
// Every patch captures the original entry point on install and puts it back
// on uninstall; installing a patch that is already active is refused.
//
// Timing follows one policy for every callback type: a sample covers a single
// synchronous dispatch. A task that awaits is split into several dispatches,
// and the time it spends suspended is not measured.
type Instrumentor struct {
	sched  Scheduler
	rec    Recorder
	logger *zap.Logger

	mutex sync.Mutex

	timing        bool
	origDispatch  eventloop.DispatchFunc
	origRegistrar eventloop.RegisterFunc
	timingActive  atomic.Bool

	exceptions    bool
	origException eventloop.ExceptionFunc

	blocked     bool
	origBlocked eventloop.BlockedFunc
	reporting   sync.WaitGroup
}

// NewInstrumentor creates an instrumentor writing into rec
func NewInstrumentor(sched Scheduler, rec Recorder, logger *zap.Logger) *Instrumentor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumentor{
		sched:  sched,
		rec:    rec,
		logger: logger,
	}
}

// InstallTiming wraps dispatch and handler registration so that every
// callback records one callback_duration sample.
func (i *Instrumentor) InstallTiming() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.timing {
		return fmt.Errorf("timing: %w", ErrAlreadyInstalled)
	}
	i.origDispatch = i.sched.Dispatcher()
	i.origRegistrar = i.sched.Registrar()

	dispatch := i.origDispatch
	register := i.origRegistrar
	i.sched.SetDispatcher(func(cb eventloop.Callback) {
		defer i.observe(time.Now())
		dispatch(cb)
	})
	i.sched.SetRegistrar(func(fd uintptr, h eventloop.HandlerFunc, events eventloop.Events) error {
		return register(fd, i.timedHandler(h), events)
	})

	i.timing = true
	i.timingActive.Store(true)
	return nil
}

// UninstallTiming restores the original dispatch and registration entry
// points. Handlers registered while timing was installed stop recording.
func (i *Instrumentor) UninstallTiming() {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if !i.timing {
		return
	}
	i.timingActive.Store(false)
	i.sched.SetDispatcher(i.origDispatch)
	i.sched.SetRegistrar(i.origRegistrar)
	i.origDispatch = nil
	i.origRegistrar = nil
	i.timing = false
}

func (i *Instrumentor) timedHandler(h eventloop.HandlerFunc) eventloop.HandlerFunc {
	return func(fd uintptr, events eventloop.Events) {
		if !i.timingActive.Load() {
			h(fd, events)
			return
		}
		defer i.observe(time.Now())
		h(fd, events)
	}
}

func (i *Instrumentor) observe(start time.Time) {
	i.rec.KV(CallbackDuration, time.Since(start).Seconds())
}

// InstallExceptionCounting counts every uncaught panic before handing it to
// the original handler unchanged.
func (i *Instrumentor) InstallExceptionCounting() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.exceptions {
		return fmt.Errorf("exception handler: %w", ErrAlreadyInstalled)
	}
	i.origException = i.sched.ExceptionHandler()

	original := i.origException
	i.sched.SetExceptionHandler(func(recovered any) {
		i.rec.Count(UnhandledExceptions, 1)
		if original != nil {
			original(recovered)
		}
	})

	i.exceptions = true
	return nil
}

// InstallBlockedReporting forwards blocked-loop reports to reporter after the
// original handler has run. Reporting is asynchronous and its failures are
// only logged.
func (i *Instrumentor) InstallBlockedReporting(reporter Reporter) error {
	if reporter == nil {
		return nil
	}

	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.blocked {
		return fmt.Errorf("blocked handler: %w", ErrAlreadyInstalled)
	}
	i.origBlocked = i.sched.BlockedHandler()

	original := i.origBlocked
	i.sched.SetBlockedHandler(func(blockedFor time.Duration, stack string) {
		if original != nil {
			original(blockedFor, stack)
		}
		message := fmt.Sprintf("event loop blocked for %s in\n%s", blockedFor, stack)
		i.reporting.Add(1)
		go i.report(reporter, message)
	})

	i.blocked = true
	return nil
}

func (i *Instrumentor) report(reporter Reporter, message string) {
	defer i.reporting.Done()
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Reporter panicked while reporting blocked event loop", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if err := reporter.Report(ctx, message); err != nil {
		i.logger.Error("Failed to report blocked event loop", zap.Error(err))
	}
}

// Installed reports whether any patch is active
func (i *Instrumentor) Installed() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.timing || i.exceptions || i.blocked
}

// Uninstall restores every entry point that is still patched. It is safe to
// call more than once.
func (i *Instrumentor) Uninstall() {
	i.UninstallTiming()

	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.exceptions {
		i.sched.SetExceptionHandler(i.origException)
		i.origException = nil
		i.exceptions = false
	}
	if i.blocked {
		i.sched.SetBlockedHandler(i.origBlocked)
		i.origBlocked = nil
		i.blocked = false
	}
}

// WaitReports blocks until in-flight blocked-loop reports have finished
func (i *Instrumentor) WaitReports() {
	i.reporting.Wait()
}
