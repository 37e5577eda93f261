package eventloop

import (
	"fmt"
	"sync"

	"github.com/nikiz24/loopmon/ctxlocal"
)

// Future is the eventual result of an asynchronous operation.
type Future struct {
	mu        sync.Mutex
	done      bool
	value     any
	err       error
	callbacks []func()
	ch        chan struct{}
}

// NewFuture creates a pending future
func NewFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

// Resolve completes the future with a value. Only the first completion wins.
func (f *Future) Resolve(v any) bool {
	return f.complete(v, nil)
}

// Fail completes the future with an error. Only the first completion wins.
func (f *Future) Fail(err error) bool {
	return f.complete(nil, err)
}

func (f *Future) complete(v any, err error) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}
	f.done = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.ch)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// Done reports whether the future has completed
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Result returns the value and error of a completed future
func (f *Future) Result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait returns a channel closed on completion, for use outside the loop.
func (f *Future) Wait() <-chan struct{} {
	return f.ch
}

func (f *Future) onDone(cb func()) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		cb()
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

type yieldMsg struct {
	done     bool
	panicked bool
	value    any
}

// Task is a logical task multiplexed onto the loop. Its body runs on its own
// goroutine but only while the loop has handed it control, so at most one
// task or callback executes at any instant. Each resumption is a separate
// dispatch running under the task's own context frame.
type Task struct {
	loop   *Loop
	frame  *ctxlocal.Frame
	resume chan struct{}
	yield  chan yieldMsg
	result *Future
}

// Spawn starts fn as a new task that inherits the current context values.
// It must be called from the loop or a task.
func (l *Loop) Spawn(fn func(t *Task)) *Future {
	return l.start(l.CurrentFrame().Fork(), fn)
}

// Go starts fn as a new task with an empty context frame. It is safe to call
// from any goroutine.
func (l *Loop) Go(fn func(t *Task)) *Future {
	return l.start(ctxlocal.NewFrame(), fn)
}

func (l *Loop) start(frame *ctxlocal.Frame, fn func(t *Task)) *Future {
	t := &Task{
		loop:   l,
		frame:  frame,
		resume: make(chan struct{}),
		yield:  make(chan yieldMsg),
		result: NewFuture(),
	}
	go t.main(fn)
	t.schedule()
	return t.result
}

// Loop returns the loop the task runs on
func (t *Task) Loop() *Loop {
	return t.loop
}

// Frame returns the task's context frame
func (t *Task) Frame() *ctxlocal.Frame {
	return t.frame
}

func (t *Task) schedule() {
	t.loop.enqueue(entry{fn: t.step, frame: t.frame})
}

func (t *Task) main(fn func(t *Task)) {
	<-t.resume
	msg := yieldMsg{done: true}
	defer func() {
		if r := recover(); r != nil {
			msg.panicked = true
			msg.value = r
		}
		t.yield <- msg
	}()
	fn(t)
}

// step runs one synchronous slice of the task, until it awaits or returns.
func (t *Task) step() {
	t.resume <- struct{}{}
	msg := <-t.yield
	if !msg.done {
		return
	}
	if msg.panicked {
		t.result.Fail(fmt.Errorf("task panicked: %v", msg.value))
		panic(msg.value)
	}
	t.result.Resolve(nil)
}

// Await suspends the task until f completes and returns its result. Control
// goes back to the loop while waiting. It must only be called by the task
// itself.
func (t *Task) Await(f *Future) (any, error) {
	if !f.Done() {
		f.onDone(t.schedule)
		t.suspend()
	}
	return f.Result()
}

// Yield gives other callbacks a chance to run before the task continues.
func (t *Task) Yield() {
	t.schedule()
	t.suspend()
}

func (t *Task) suspend() {
	t.yield <- yieldMsg{}
	<-t.resume
}
