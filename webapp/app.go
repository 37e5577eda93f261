// Package webapp is a small net/http application whose handlers run as tasks
// on an event loop.
//
// Routes registered with Handle run inside a loop task: they may Await
// futures through the task returned by TaskFrom and share the loop's
// single-threaded execution. Routes registered with AddRoute are served
// directly on the connection goroutine, which keeps read-only endpoints
// answering while the loop is busy. Middleware wraps both kinds in
// registration order, first registered outermost.
//
// A task route waits for its task or for the request context, whichever
// finishes first. When the request is cancelled first, for example because
// the loop is not running or stopped while the task was suspended, the task
// is abandoned: it may still run later, but its writes no longer reach the
// client.
package webapp

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/nikiz24/loopmon/ctxlocal"
	"github.com/nikiz24/loopmon/eventloop"
)

// Middleware is an explicit request interceptor
type Middleware = func(next http.Handler) http.Handler

// App routes requests to handlers through a fixed middleware chain
type App struct {
	loop   *eventloop.Loop
	logger *zap.Logger
	mux    *http.ServeMux

	mu          sync.RWMutex
	middlewares []Middleware
}

// New creates an application bound to loop
func New(loop *eventloop.Loop, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		loop:   loop,
		logger: logger,
		mux:    http.NewServeMux(),
	}
}

// Loop returns the loop task routes run on
func (a *App) Loop() *eventloop.Loop {
	return a.loop
}

// Handle registers h to run as a loop task for pattern
func (a *App) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, &taskRoute{handler: h})
}

// HandleFunc registers fn to run as a loop task for pattern
func (a *App) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	a.Handle(pattern, http.HandlerFunc(fn))
}

// AddRoute registers h to be served directly, outside the loop
func (a *App) AddRoute(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
	a.logger.Debug("Registered route", zap.String("pattern", pattern))
}

// AddMiddleware appends mw to the interceptor chain
func (a *App) AddMiddleware(mw Middleware) {
	a.mu.Lock()
	a.middlewares = append(a.middlewares, mw)
	a.mu.Unlock()
}

func (a *App) chain(h http.Handler) http.Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := len(a.middlewares) - 1; i >= 0; i-- {
		h = a.middlewares[i](h)
	}
	return h
}

// ServeHTTP implements http.Handler
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, _ := a.mux.Handler(r)
	route, ok := h.(*taskRoute)
	if !ok {
		a.chain(h).ServeHTTP(w, r)
		return
	}

	tw := &taskWriter{w: w}
	f := a.loop.Go(func(t *eventloop.Task) {
		if r.Context().Err() != nil {
			return
		}
		ctx := context.WithValue(r.Context(), taskKey{}, t)
		ctx = ctxlocal.NewContext(ctx, t.Frame())
		a.serveTask(tw, r.WithContext(ctx), route.handler)
	})

	select {
	case <-f.Wait():
		tw.detach()
	case <-r.Context().Done():
		if tw.abandon() {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
		a.logger.Warn("Abandoned task route",
			zap.String("path", r.URL.Path), zap.Error(r.Context().Err()))
	}
}

// ErrAbandoned is returned by writes from a task whose request has already
// been answered.
var ErrAbandoned = errors.New("webapp: request abandoned")

// taskWriter forwards to the connection's writer until ServeHTTP returns
type taskWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	header  http.Header
	wrote   bool
	stopped bool
}

func (tw *taskWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.stopped {
		if tw.header == nil {
			tw.header = make(http.Header)
		}
		return tw.header
	}
	return tw.w.Header()
}

func (tw *taskWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.stopped {
		return
	}
	tw.wrote = true
	tw.w.WriteHeader(code)
}

func (tw *taskWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.stopped {
		return 0, ErrAbandoned
	}
	tw.wrote = true
	return tw.w.Write(b)
}

func (tw *taskWriter) detach() {
	tw.mu.Lock()
	tw.stopped = true
	tw.mu.Unlock()
}

// abandon stops forwarding and reports whether the response is still unwritten
func (tw *taskWriter) abandon() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.stopped = true
	return !tw.wrote
}

func (a *App) serveTask(w http.ResponseWriter, r *http.Request, h http.Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			panic(rec)
		}
	}()
	a.chain(h).ServeHTTP(w, r)
}

type taskRoute struct {
	handler http.Handler
}

// ServeHTTP is never reached through App; it keeps taskRoute a valid mux entry.
func (tr *taskRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tr.handler.ServeHTTP(w, r)
}

type taskKey struct{}

// TaskFrom returns the loop task serving the request, or nil for routes
// served outside the loop.
func TaskFrom(ctx context.Context) *eventloop.Task {
	t, _ := ctx.Value(taskKey{}).(*eventloop.Task)
	return t
}
