package loopmon

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultSampleInterval    = 100 * time.Millisecond
	DefaultPublishInterval   = 10 * time.Second
	DefaultPublishTimeout    = 15 * time.Second
	DefaultBlockingThreshold = time.Second
	DefaultMonitorPath       = "/monitor"
	DefaultPrometheusPath    = "/metrics"
	DefaultNamespace         = "loopmon"
)

// PublishMode selects the publisher built by Initialize
type PublishMode string

const (
	PublishPull       PublishMode = "pull"
	PublishPush       PublishMode = "push"
	PublishPrometheus PublishMode = "prometheus"
)

// Config defines the configuration for the monitor
type Config struct {
	ServiceName string      `yaml:"service_name"`
	Publish     PublishMode `yaml:"publish"`
	Trace       bool        `yaml:"trace"`

	// Pull endpoints
	MonitorPath    string `yaml:"monitor_path"`
	PrometheusPath string `yaml:"prometheus_path"`
	Namespace      string `yaml:"namespace"`

	SampleInterval    time.Duration `yaml:"sample_interval"`
	PublishInterval   time.Duration `yaml:"publish_interval"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	BlockingThreshold time.Duration `yaml:"blocking_threshold"`

	RemoteWrite RemoteWriteConfig `yaml:"remote_write"`
	NATS        NATSConfig        `yaml:"nats"`

	// Optional logger
	Logger *zap.Logger `yaml:"-"`

	// Optional sink for blocked-loop reports
	Reporter Reporter `yaml:"-"`
}

// RemoteWriteConfig configures the Prometheus remote-write sink
type RemoteWriteConfig struct {
	URL          string            `yaml:"url"`
	Namespace    string            `yaml:"namespace"`
	Subsystem    string            `yaml:"subsystem"`
	InstanceIP   string            `yaml:"instance_ip"`
	CustomLabels map[string]string `yaml:"custom_labels"`

	// DNS resolver options (optional, for advanced use cases)
	DNSEnable          bool          `yaml:"dns_enable"`
	DNSCacheTTL        time.Duration `yaml:"dns_cache_ttl"`
	DNSRefreshInterval time.Duration `yaml:"dns_refresh_interval"`
	DNSTimeout         time.Duration `yaml:"dns_timeout"`
	DNSUDPServers      []string      `yaml:"dns_udp_servers"` // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	DNSTLSServers      []string      `yaml:"dns_tls_servers"` // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DNSDoHEndpoints    []string      `yaml:"dns_doh_endpoints"`
}

// NATSConfig configures the NATS sink and reporter
type NATSConfig struct {
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	ReportSubject string `yaml:"report_subject"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ServiceName:       "service",
		Publish:           PublishPull,
		MonitorPath:       DefaultMonitorPath,
		PrometheusPath:    DefaultPrometheusPath,
		Namespace:         DefaultNamespace,
		SampleInterval:    DefaultSampleInterval,
		PublishInterval:   DefaultPublishInterval,
		PublishTimeout:    DefaultPublishTimeout,
		BlockingThreshold: DefaultBlockingThreshold,
		RemoteWrite: RemoteWriteConfig{
			Namespace:    "app",
			Subsystem:    "prod",
			CustomLabels: make(map[string]string),
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks the configuration for values that cannot be defaulted
func (c Config) Validate() error {
	switch c.Publish {
	case "", PublishPull, PublishPush, PublishPrometheus:
	default:
		return fmt.Errorf("%w: unknown publish mode %q", ErrInvalidConfig, c.Publish)
	}
	for name, d := range map[string]time.Duration{
		"sample_interval":    c.SampleInterval,
		"publish_interval":   c.PublishInterval,
		"publish_timeout":    c.PublishTimeout,
		"blocking_threshold": c.BlockingThreshold,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" && c.Publish == PublishPush {
		return fmt.Errorf("%w: nats subject is required for push publishing", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Publish == "" {
		c.Publish = def.Publish
	}
	if c.MonitorPath == "" {
		c.MonitorPath = def.MonitorPath
	}
	if c.PrometheusPath == "" {
		c.PrometheusPath = def.PrometheusPath
	}
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	c.SampleInterval = pickDuration(c.SampleInterval, def.SampleInterval)
	c.PublishInterval = pickDuration(c.PublishInterval, def.PublishInterval)
	c.PublishTimeout = pickDuration(c.PublishTimeout, def.PublishTimeout)
	c.BlockingThreshold = pickDuration(c.BlockingThreshold, def.BlockingThreshold)
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
