package loopmon

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusPublisher serves snapshots in the Prometheus exposition format.
// Each scrape takes a snapshot, so values cover the time since the previous
// scrape or pull.
type PrometheusPublisher struct {
	server    Server
	path      string
	namespace string
	logger    *zap.Logger

	registry *prometheus.Registry
	once     sync.Once
	err      error
}

// NewPrometheusPublisher creates a publisher serving path on server
func NewPrometheusPublisher(server Server, path, namespace string, logger *zap.Logger) *PrometheusPublisher {
	if path == "" {
		path = DefaultPrometheusPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrometheusPublisher{
		server:    server,
		path:      path,
		namespace: sanitizeMetricName(namespace),
		logger:    logger,
		registry:  prometheus.NewRegistry(),
	}
}

// Registry returns the registry the publisher serves
func (p *PrometheusPublisher) Registry() *prometheus.Registry {
	return p.registry
}

// Start implements Publisher. The route is registered on the first call.
func (p *PrometheusPublisher) Start(m *Monitor) error {
	p.once.Do(func() {
		if err := p.registry.Register(&snapshotCollector{monitor: m, namespace: p.namespace}); err != nil {
			p.err = fmt.Errorf("failed to register snapshot collector: %w", err)
			return
		}
		if err := p.registry.Register(collectors.NewGoCollector()); err != nil {
			p.err = fmt.Errorf("failed to register go collector: %w", err)
			return
		}

		handler := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(p.logger),
			ErrorHandling: promhttp.ContinueOnError,
		})
		p.server.AddRoute(p.path, TrustedOnly(handler, p.logger))
		p.logger.Info("Serving prometheus metrics", zap.String("path", p.path))
	})
	return p.err
}

// Stop implements Publisher
func (p *PrometheusPublisher) Stop() error {
	return nil
}

// snapshotCollector converts a fresh snapshot into constant metrics on every
// collection. Metric names depend on what was recorded, so it is unchecked.
type snapshotCollector struct {
	monitor   *Monitor
	namespace string
}

// Describe implements prometheus.Collector
func (c *snapshotCollector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector
func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.monitor.Snapshot()

	process := snapshot.Process
	c.gauge(ch, "process_resident_memory_bytes", "Resident memory size in bytes.", float64(process.MemInfo.RSSBytes))
	c.gauge(ch, "process_virtual_memory_bytes", "Virtual memory size in bytes.", float64(process.MemInfo.VSZBytes))
	c.gauge(ch, "process_cpu_user_seconds", "User CPU time in seconds.", process.CPU.UserTime)
	c.gauge(ch, "process_cpu_system_seconds", "System CPU time in seconds.", process.CPU.SystemTime)
	c.gauge(ch, "process_open_fds", "Number of open file descriptors.", float64(process.NumFDs))

	for _, name := range sortedKeys(snapshot.Counters) {
		c.gauge(ch, name, "Count since the previous snapshot.", float64(snapshot.Counters[name]))
	}
	for _, name := range sortedKeys(snapshot.AvgGauges) {
		c.gauge(ch, name+"_avg", "Average since the previous snapshot.", snapshot.AvgGauges[name])
		c.gauge(ch, name+"_max", "Maximum since the previous snapshot.", snapshot.MaxGauges[name])
		c.gauge(ch, name+"_count", "Observations since the previous snapshot.", float64(snapshot.SummaryCounts[name]))
	}
}

func (c *snapshotCollector) gauge(ch chan<- prometheus.Metric, name, help string, value float64) {
	desc := prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", sanitizeMetricName(name)), help, nil, nil)
	metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, value)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(desc, err)
		return
	}
	ch <- metric
}

// sanitizeMetricName replaces characters Prometheus does not accept in
// metric names with underscores
func sanitizeMetricName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
