package loopmon

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Collector records domain events into the monitor's aggregator
type Collector interface {
	Name() string
	Start() error
	Stop() error
}

// Server is the host web server: it accepts extra routes and request
// interceptors.
type Server interface {
	AddRoute(pattern string, h http.Handler)
	AddMiddleware(mw func(next http.Handler) http.Handler)
}

// BaseCollector provides basic collector functionality
type BaseCollector struct {
	name   string
	logger *zap.Logger
}

// Name implements Collector interface
func (b *BaseCollector) Name() string {
	return b.name
}

// NewBaseCollector creates a base collector
func NewBaseCollector(name string, logger *zap.Logger) BaseCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return BaseCollector{
		name:   name,
		logger: logger.With(zap.String("collector", name)),
	}
}

// DurationCollector times event loop callbacks by installing the monitor's
// instrumentor timing patch.
type DurationCollector struct {
	BaseCollector
	instrumentor *Instrumentor
}

// NewDurationCollector creates a duration collector for m's scheduler
func NewDurationCollector(m *Monitor) *DurationCollector {
	return &DurationCollector{
		BaseCollector: NewBaseCollector("duration", m.logger),
		instrumentor:  m.instrumentor,
	}
}

// Start implements Collector interface
func (c *DurationCollector) Start() error {
	if err := c.instrumentor.InstallTiming(); err != nil {
		return fmt.Errorf("duration collector: %w", err)
	}
	c.logger.Debug("Installed callback timing")
	return nil
}

// Stop implements Collector interface
func (c *DurationCollector) Stop() error {
	c.instrumentor.UninstallTiming()
	return nil
}

// RequestCollector counts inbound requests through a server interceptor
type RequestCollector struct {
	BaseCollector
	server Server
	rec    Recorder
	once   sync.Once
}

// NewRequestCollector creates a request collector for server
func NewRequestCollector(m *Monitor, server Server) *RequestCollector {
	return &RequestCollector{
		BaseCollector: NewBaseCollector("requests", m.logger),
		server:        server,
		rec:           m.aggregator,
	}
}

// Start implements Collector interface. The interceptor is registered once.
func (c *RequestCollector) Start() error {
	c.once.Do(func() {
		c.server.AddMiddleware(c.middleware)
	})
	return nil
}

// Stop implements Collector interface. Interceptors cannot be removed from
// the server, so this is a no-op.
func (c *RequestCollector) Stop() error {
	return nil
}

func (c *RequestCollector) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.rec.Count(Requests, 1)
		next.ServeHTTP(w, r)
	})
}
