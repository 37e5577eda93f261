package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/nikiz24/loopmon/ctxlocal"
)

// Callback is a unit of deferred work executed on the loop goroutine
type Callback func()

// DispatchFunc executes one callback. It is the loop's dispatch entry point.
type DispatchFunc func(cb Callback)

// Events is a bit set of readiness events
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
)

// HandlerFunc is invoked when a registered handle becomes ready
type HandlerFunc func(fd uintptr, events Events)

// RegisterFunc installs a readiness handler for fd. It is the loop's handler
// registration entry point.
type RegisterFunc func(fd uintptr, h HandlerFunc, events Events) error

// ExceptionFunc receives the value recovered from a panicking callback
type ExceptionFunc func(recovered any)

// BlockedFunc is invoked when a single dispatch has run longer than the
// blocking threshold. stack is a goroutine dump taken at detection time.
type BlockedFunc func(blockedFor time.Duration, stack string)

// Stats exposes scheduler health counters
type Stats interface {
	PendingCallbacks() int
	Handlers() int
}

var (
	ErrRunning       = errors.New("event loop already running")
	ErrHandlerExists = errors.New("handler already registered")
)

type entry struct {
	fn    Callback
	frame *ctxlocal.Frame
	// io entries invoke a readiness handler directly instead of going
	// through the dispatch entry point
	io bool
}

type handlerEntry struct {
	fn     HandlerFunc
	events Events
}

// Loop is a single-threaded cooperative scheduler. All callbacks, handlers and
// task slices run one at a time on the goroutine that called Run.
type Loop struct {
	logger *zap.Logger

	mu       sync.Mutex
	queue    *queue.Queue
	handlers map[uintptr]handlerEntry
	wake     chan struct{}

	hookMu    sync.RWMutex
	dispatch  DispatchFunc
	register  RegisterFunc
	onPanic   ExceptionFunc
	onBlocked BlockedFunc

	// frame of the running callback; only touched while holding the loop
	frame *ctxlocal.Frame
	root  *ctxlocal.Frame

	running        atomic.Bool
	blockThreshold atomic.Int64
	dispatchStart  atomic.Int64
	dispatchSeq    atomic.Uint64
}

// New creates an idle loop. Call Run to start processing callbacks.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		logger:   logger,
		queue:    queue.New(),
		handlers: make(map[uintptr]handlerEntry),
		wake:     make(chan struct{}, 1),
		root:     ctxlocal.NewFrame(),
	}
	l.dispatch = runCallback
	l.register = l.registerHandler
	l.onPanic = l.logPanic
	l.onBlocked = l.logBlocked
	return l
}

func runCallback(cb Callback) {
	cb()
}

// CurrentFrame returns the context frame of the running callback or task.
// It implements ctxlocal.Provider and is only meaningful on the loop.
func (l *Loop) CurrentFrame() *ctxlocal.Frame {
	if l.frame != nil {
		return l.frame
	}
	return l.root
}

// Dispatcher returns the current dispatch entry point
func (l *Loop) Dispatcher() DispatchFunc {
	l.hookMu.RLock()
	defer l.hookMu.RUnlock()
	return l.dispatch
}

// SetDispatcher replaces the dispatch entry point
func (l *Loop) SetDispatcher(fn DispatchFunc) {
	l.hookMu.Lock()
	l.dispatch = fn
	l.hookMu.Unlock()
}

// Registrar returns the current handler registration entry point
func (l *Loop) Registrar() RegisterFunc {
	l.hookMu.RLock()
	defer l.hookMu.RUnlock()
	return l.register
}

// SetRegistrar replaces the handler registration entry point
func (l *Loop) SetRegistrar(fn RegisterFunc) {
	l.hookMu.Lock()
	l.register = fn
	l.hookMu.Unlock()
}

// ExceptionHandler returns the handler for panics escaping callbacks
func (l *Loop) ExceptionHandler() ExceptionFunc {
	l.hookMu.RLock()
	defer l.hookMu.RUnlock()
	return l.onPanic
}

// SetExceptionHandler replaces the handler for panics escaping callbacks
func (l *Loop) SetExceptionHandler(fn ExceptionFunc) {
	l.hookMu.Lock()
	l.onPanic = fn
	l.hookMu.Unlock()
}

// BlockedHandler returns the handler for blocked-loop reports
func (l *Loop) BlockedHandler() BlockedFunc {
	l.hookMu.RLock()
	defer l.hookMu.RUnlock()
	return l.onBlocked
}

// SetBlockedHandler replaces the handler for blocked-loop reports
func (l *Loop) SetBlockedHandler(fn BlockedFunc) {
	l.hookMu.Lock()
	l.onBlocked = fn
	l.hookMu.Unlock()
}

// SetBlockingThreshold enables blocked-loop detection. Zero disables it.
func (l *Loop) SetBlockingThreshold(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.blockThreshold.Store(int64(d))
}

// BlockingThreshold returns the configured blocked-loop threshold
func (l *Loop) BlockingThreshold() time.Duration {
	return time.Duration(l.blockThreshold.Load())
}

// AddCallback schedules cb to run on the loop under a snapshot of the context
// values current at the call site. It must be called from the loop or a task.
func (l *Loop) AddCallback(cb Callback) {
	l.enqueue(entry{fn: cb, frame: l.CurrentFrame().Fork()})
}

// Post schedules cb from any goroutine. cb runs under the loop's root frame.
func (l *Loop) Post(cb Callback) {
	l.enqueue(entry{fn: cb})
}

// CallLater schedules cb to run after d under a snapshot of the current
// context values. It must be called from the loop or a task. The returned
// function cancels the call if it has not fired yet.
func (l *Loop) CallLater(d time.Duration, cb Callback) (cancel func() bool) {
	frame := l.CurrentFrame().Fork()
	t := time.AfterFunc(d, func() {
		l.enqueue(entry{fn: cb, frame: frame})
	})
	return t.Stop
}

// Sleep returns a future resolved after d
func (l *Loop) Sleep(d time.Duration) *Future {
	f := NewFuture()
	time.AfterFunc(d, func() {
		l.Post(func() { f.Resolve(nil) })
	})
	return f
}

func (l *Loop) enqueue(e entry) {
	l.mu.Lock()
	l.queue.Add(e)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue.Length() == 0 {
		return entry{}, false
	}
	return l.queue.Remove().(entry), true
}

// PendingCallbacks implements Stats
func (l *Loop) PendingCallbacks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Length()
}

// Handlers implements Stats
func (l *Loop) Handlers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// AddHandler registers h for readiness events on fd through the current
// registration entry point.
func (l *Loop) AddHandler(fd uintptr, h HandlerFunc, events Events) error {
	return l.Registrar()(fd, h, events)
}

func (l *Loop) registerHandler(fd uintptr, h HandlerFunc, events Events) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.handlers[fd]; exists {
		return fmt.Errorf("fd %d: %w", fd, ErrHandlerExists)
	}
	l.handlers[fd] = handlerEntry{fn: h, events: events}
	return nil
}

// RemoveHandler unregisters the handler for fd
func (l *Loop) RemoveHandler(fd uintptr) {
	l.mu.Lock()
	delete(l.handlers, fd)
	l.mu.Unlock()
}

// Notify reports readiness on fd. It is safe to call from any goroutine; the
// handler runs on the loop if it is registered for any of the events.
func (l *Loop) Notify(fd uintptr, events Events) {
	l.enqueue(entry{io: true, fn: func() {
		l.mu.Lock()
		h, ok := l.handlers[fd]
		l.mu.Unlock()
		if !ok || h.events&events == 0 {
			return
		}
		h.fn(fd, events&h.events)
	}})
}

// Run processes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go l.watchdog(watchCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e, ok := l.next()
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		l.runEntry(e)
	}
}

// Running reports whether Run is active
func (l *Loop) Running() bool {
	return l.running.Load()
}

func (l *Loop) runEntry(e entry) {
	prev := l.frame
	l.frame = e.frame
	l.dispatchSeq.Add(1)
	l.dispatchStart.Store(time.Now().UnixNano())
	defer func() {
		if r := recover(); r != nil {
			l.ExceptionHandler()(r)
		}
		l.dispatchStart.Store(0)
		l.frame = prev
	}()
	if e.io {
		e.fn()
		return
	}
	l.Dispatcher()(e.fn)
}

func (l *Loop) watchdog(ctx context.Context) {
	var reported uint64
	timer := time.NewTimer(watchInterval(l.BlockingThreshold()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		threshold := l.BlockingThreshold()
		timer.Reset(watchInterval(threshold))
		if threshold <= 0 {
			continue
		}

		seq := l.dispatchSeq.Load()
		start := l.dispatchStart.Load()
		if start == 0 || seq == reported {
			continue
		}
		blocked := time.Since(time.Unix(0, start))
		if blocked < threshold {
			continue
		}
		reported = seq
		l.BlockedHandler()(blocked, goroutineDump())
	}
}

func watchInterval(threshold time.Duration) time.Duration {
	interval := threshold / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	if interval > 250*time.Millisecond || threshold <= 0 {
		interval = 250 * time.Millisecond
	}
	return interval
}

func goroutineDump() string {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		if len(buf) >= 4<<20 {
			return string(buf)
		}
		buf = make([]byte, 2*len(buf))
	}
}

func (l *Loop) logPanic(recovered any) {
	l.logger.Error("Uncaught exception in event loop callback",
		zap.Any("panic", recovered),
		zap.Stack("stack"))
}

func (l *Loop) logBlocked(blockedFor time.Duration, stack string) {
	l.logger.Warn("Event loop blocked",
		zap.Duration("blocked_for", blockedFor),
		zap.String("stack", stack))
}
