package loopmon

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Publisher exposes monitor snapshots to the outside world
type Publisher interface {
	Start(m *Monitor) error
	Stop() error
}

// NullPublisher publishes nothing
type NullPublisher struct{}

// Start implements Publisher
func (NullPublisher) Start(*Monitor) error { return nil }

// Stop implements Publisher
func (NullPublisher) Stop() error { return nil }

// PullPublisher serves snapshots on demand from a route on the host server.
// Only loopback and private-range callers are answered.
type PullPublisher struct {
	server Server
	path   string
	logger *zap.Logger
	once   sync.Once
}

// NewPullPublisher creates a pull publisher serving path on server
func NewPullPublisher(server Server, path string, logger *zap.Logger) *PullPublisher {
	if path == "" {
		path = DefaultMonitorPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PullPublisher{
		server: server,
		path:   path,
		logger: logger,
	}
}

// Start implements Publisher. The route is registered on the first call.
func (p *PullPublisher) Start(m *Monitor) error {
	p.once.Do(func() {
		p.server.AddRoute(p.path, TrustedOnly(SnapshotHandler(m, p.logger), p.logger))
		p.logger.Info("Serving monitor snapshots", zap.String("path", p.path))
	})
	return nil
}

// Stop implements Publisher. Routes cannot be removed from the server.
func (p *PullPublisher) Stop() error {
	return nil
}

// SnapshotHandler answers GET with m's snapshot as JSON. Every request resets
// the aggregator.
func SnapshotHandler(m *Monitor, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		snapshot := m.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			logger.Error("Failed to write monitor snapshot", zap.Error(err))
		}
	})
}

// TrustedOnly rejects callers that are not loopback or private-range with
// 403 before next is reached.
func TrustedOnly(next http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := CallerAddress(r)
		if !IsTrustedAddress(addr) {
			logger.Debug("Rejected monitor request",
				zap.String("caller", addr), zap.Error(ErrAccessDenied))
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallerAddress resolves the client address of r: the X-Real-Ip header set by
// a trusted proxy, else the peer address. X-Forwarded-For is ignored because
// its hops are supplied by the client.
func CallerAddress(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsTrustedAddress reports whether addr is loopback, private or link-local.
// An empty address, as seen on unix socket listeners, is local.
func IsTrustedAddress(addr string) bool {
	if addr == "" {
		return true
	}
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
