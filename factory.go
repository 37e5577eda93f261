package loopmon

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nikiz24/loopmon/eventloop"
)

// Initialize builds, wires and starts a Monitor for an application served by
// server on loop: the publisher chosen by config, the duration and request
// collectors, and the trace collector when config.Trace is set. The loop's
// blocking threshold is set from config.
func Initialize(server Server, loop *eventloop.Loop, config Config) (*Monitor, error) {
	if server == nil || loop == nil {
		return nil, fmt.Errorf("%w: server and loop are required", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	var conn natsConn
	if usesNATS(config) {
		nc, err := dialNATS(config.NATS.URL, config.ServiceName, config.Logger)
		if err != nil {
			return nil, err
		}
		conn = nc
		if config.Reporter == nil && config.NATS.ReportSubject != "" {
			config.Reporter = NewNATSReporter(nc, config.NATS.ReportSubject, config.ServiceName)
		}
	}
	drain := func() {
		if conn != nil {
			_ = conn.Drain()
		}
	}

	var sinkConn NATSPublisher
	if conn != nil {
		sinkConn = conn
	}
	publisher, err := newPublisher(server, config, sinkConn)
	if err != nil {
		drain()
		return nil, err
	}

	m, err := NewMonitor(config, loop, publisher)
	if err != nil {
		drain()
		return nil, err
	}
	// from here on the monitor drains the connection when it stops
	if conn != nil {
		m.onStop(conn.Drain)
	}

	if config.Trace {
		if err := m.AddCollector(NewTraceCollector(m, server, loop)); err != nil {
			_ = m.Stop()
			return nil, err
		}
	}
	if err := m.AddCollector(NewDurationCollector(m)); err != nil {
		_ = m.Stop()
		return nil, err
	}
	if err := m.AddCollector(NewRequestCollector(m, server)); err != nil {
		_ = m.Stop()
		return nil, err
	}

	if err := m.Start(); err != nil {
		_ = m.Stop()
		return nil, err
	}
	loop.SetBlockingThreshold(config.BlockingThreshold)

	config.Logger.Info("Monitor initialized",
		zap.String("service", config.ServiceName),
		zap.String("publish", string(config.Publish)),
		zap.Bool("trace", config.Trace))
	return m, nil
}

// usesNATS reports whether a sink or reporter built from config publishes
// over NATS.
func usesNATS(config Config) bool {
	if config.NATS.URL == "" {
		return false
	}
	sink := config.Publish == PublishPush && config.RemoteWrite.URL == ""
	reporter := config.Reporter == nil && config.NATS.ReportSubject != ""
	return sink || reporter
}

// NewPublisher creates the publisher selected by config.Publish
func NewPublisher(server Server, config Config) (Publisher, error) {
	return newPublisher(server, config, nil)
}

func newPublisher(server Server, config Config, conn NATSPublisher) (Publisher, error) {
	config = config.withDefaults()

	switch config.Publish {
	case PublishPull:
		return NewPullPublisher(server, config.MonitorPath, config.Logger), nil
	case PublishPrometheus:
		return NewPrometheusPublisher(server, config.PrometheusPath, config.Namespace, config.Logger), nil
	case PublishPush:
		sink, err := newSink(config, conn)
		if err != nil {
			return nil, err
		}
		p := NewPushPublisher(sink, config.PublishInterval, config.Logger)
		p.SetTimeout(config.PublishTimeout)
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown publish mode %q", ErrInvalidConfig, config.Publish)
	}
}

// NewSink creates the push sink selected by config: remote write when a URL
// is configured, then NATS, then the log. A NATS sink owns the connection it
// dials and drains it on Close.
func NewSink(config Config) (Sink, error) {
	return newSink(config, nil)
}

func newSink(config Config, conn NATSPublisher) (Sink, error) {
	config = config.withDefaults()

	switch {
	case config.RemoteWrite.URL != "":
		return NewRemoteWriteSink(config.RemoteWrite, config.ServiceName, config.Logger)
	case config.NATS.URL != "":
		if conn != nil {
			return NewNATSSink(conn, config.NATS.Subject, config.ServiceName), nil
		}
		nc, err := dialNATS(config.NATS.URL, config.ServiceName, config.Logger)
		if err != nil {
			return nil, err
		}
		sink := NewNATSSink(nc, config.NATS.Subject, config.ServiceName)
		sink.owned = nc
		return sink, nil
	default:
		return NewLogSink(config.Logger), nil
	}
}
