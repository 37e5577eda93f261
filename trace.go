package loopmon

import (
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/nikiz24/loopmon/ctxlocal"
)

// RequestContext identifies the request a piece of code is running for
type RequestContext struct {
	SpanID string
}

// NewSpanID returns a fresh span identifier
func NewSpanID() string {
	return "span_" + uuid.NewString()
}

// TraceCollector enters a RequestContext with a fresh span id around every
// request, so code anywhere in the request's task can look it up with
// Current, across awaits included.
type TraceCollector struct {
	BaseCollector
	server Server
	kind   *ctxlocal.Kind[*RequestContext]
	once   sync.Once
}

// NewTraceCollector creates a trace collector. provider resolves the frame of
// the running task, normally the event loop.
func NewTraceCollector(m *Monitor, server Server, provider ctxlocal.Provider) *TraceCollector {
	return &TraceCollector{
		BaseCollector: NewBaseCollector("trace", m.logger),
		server:        server,
		kind:          ctxlocal.NewKind[*RequestContext]("request_context", nil, provider),
	}
}

// Kind returns the context kind holding the request context
func (c *TraceCollector) Kind() *ctxlocal.Kind[*RequestContext] {
	return c.kind
}

// Current returns the request context of the running task, or nil
func (c *TraceCollector) Current() *RequestContext {
	return c.kind.Current()
}

// Start implements Collector interface
func (c *TraceCollector) Start() error {
	c.once.Do(func() {
		c.server.AddMiddleware(c.middleware)
	})
	return nil
}

// Stop implements Collector interface
func (c *TraceCollector) Stop() error {
	return nil
}

func (c *TraceCollector) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frame := ctxlocal.FromContext(r.Context())
		if frame == nil {
			// served off the loop: give the request its own frame
			frame = ctxlocal.NewFrame()
			r = r.WithContext(ctxlocal.NewContext(r.Context(), frame))
		}

		scope := c.kind.EnterFrame(frame, &RequestContext{SpanID: NewSpanID()})
		defer scope.Exit()
		next.ServeHTTP(w, r)
	})
}
