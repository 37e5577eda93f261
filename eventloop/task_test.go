package eventloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikiz24/loopmon/ctxlocal"
)

func waitFuture(t *testing.T, f *Future) (any, error) {
	t.Helper()
	select {
	case <-f.Wait():
	case <-time.After(2 * time.Second):
		t.Fatal("future did not complete")
	}
	return f.Result()
}

func TestTaskContextSurvivesSuspension(t *testing.T) {
	loop := startLoop(t)
	kind := ctxlocal.NewKind("request", "default", loop)

	var mu sync.Mutex
	observed := map[string][]string{}
	record := func(task, v string) {
		mu.Lock()
		observed[task] = append(observed[task], v)
		mu.Unlock()
	}

	run := func(name string, delay time.Duration) *Future {
		return loop.Go(func(task *Task) {
			scope := kind.Enter(name)
			defer scope.Exit()

			record(name, kind.Current())
			_, err := task.Await(loop.Sleep(delay))
			assert.NoError(t, err)
			record(name, kind.Current())

			kind.With(name+"/inner", func() {
				task.Yield()
				record(name, kind.Current())
			})
			record(name, kind.Current())
		})
	}

	a := run("a", 30*time.Millisecond)
	b := run("b", 5*time.Millisecond)
	waitFuture(t, a)
	waitFuture(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "a", "a/inner", "a"}, observed["a"])
	assert.Equal(t, []string{"b", "b", "b/inner", "b"}, observed["b"])
}

func TestTaskDefaultAfterExit(t *testing.T) {
	loop := startLoop(t)
	kind := ctxlocal.NewKind("request", "default", loop)

	got := make(chan string, 1)
	f := loop.Go(func(task *Task) {
		kind.With("x", func() {
			task.Await(loop.Sleep(time.Millisecond))
		})
		got <- kind.Current()
	})
	waitFuture(t, f)
	assert.Equal(t, "default", <-got)
}

func TestSpawnInheritsContext(t *testing.T) {
	loop := startLoop(t)
	kind := ctxlocal.NewKind("request", "", loop)

	got := make(chan [2]string, 1)
	f := loop.Go(func(task *Task) {
		scope := kind.Enter("parent")
		child := loop.Spawn(func(ct *Task) {
			before := kind.Current()
			inner := kind.Enter("child")
			ct.Await(loop.Sleep(time.Millisecond))
			inner.Exit()
			got <- [2]string{before, kind.Current()}
		})
		_, err := task.Await(child)
		assert.NoError(t, err)
		assert.Equal(t, "parent", kind.Current())
		scope.Exit()
	})
	waitFuture(t, f)
	assert.Equal(t, [2]string{"parent", "parent"}, <-got)
}

func TestTaskAwaitResult(t *testing.T) {
	loop := startLoop(t)

	pending := NewFuture()
	failed := NewFuture()
	failed.Fail(errors.New("nope"))

	type result struct {
		v   any
		err error
	}
	results := make(chan result, 2)
	f := loop.Go(func(task *Task) {
		v, err := task.Await(pending)
		results <- result{v, err}
		v, err = task.Await(failed)
		results <- result{v, err}
	})

	time.Sleep(10 * time.Millisecond)
	assert.False(t, f.Done())
	loop.Post(func() { pending.Resolve(42) })

	waitFuture(t, f)
	r := <-results
	assert.Equal(t, 42, r.v)
	assert.NoError(t, r.err)
	r = <-results
	assert.EqualError(t, r.err, "nope")
}

func TestTaskPanicIsReported(t *testing.T) {
	loop := startLoop(t)
	recovered := make(chan any, 1)
	loop.SetExceptionHandler(func(r any) { recovered <- r })

	f := loop.Go(func(task *Task) {
		task.Yield()
		panic("task failed")
	})

	_, err := waitFuture(t, f)
	assert.ErrorContains(t, err, "task failed")
	assert.Equal(t, "task failed", <-recovered)
}

func TestTaskSuspensionIsNotPartOfDispatch(t *testing.T) {
	loop := startLoop(t)

	var mu sync.Mutex
	var slices []time.Duration
	original := loop.Dispatcher()
	loop.SetDispatcher(func(cb Callback) {
		start := time.Now()
		original(cb)
		mu.Lock()
		slices = append(slices, time.Since(start))
		mu.Unlock()
	})

	f := loop.Go(func(task *Task) {
		task.Await(loop.Sleep(200 * time.Millisecond))
	})
	waitFuture(t, f)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, slices)
	var total time.Duration
	for _, d := range slices {
		total += d
	}
	assert.Less(t, total, 100*time.Millisecond)
}

func TestFutureSingleCompletion(t *testing.T) {
	f := NewFuture()
	assert.True(t, f.Resolve(1))
	assert.False(t, f.Resolve(2))
	assert.False(t, f.Fail(errors.New("late")))
	v, err := f.Result()
	assert.Equal(t, 1, v)
	assert.NoError(t, err)
	assert.True(t, f.Done())
}
