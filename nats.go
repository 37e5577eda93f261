package loopmon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	natsMaxReconnects = -1
	natsReconnectWait = 2 * time.Second
	natsTimeout       = 5 * time.Second
)

// NATSPublisher is the part of a NATS connection used by the sink and
// reporter. *nats.Conn satisfies it.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// natsConn is a connection the monitor owns and drains when it stops
type natsConn interface {
	NATSPublisher
	Drain() error
}

var dialNATS = func(url, name string, logger *zap.Logger) (natsConn, error) {
	conn, err := DialNATS(url, name, logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialNATS connects to url with reconnects enabled and connection state
// changes logged
func DialNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("nats_url", url))

	opts := []nats.Option{
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.Timeout(natsTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("server", conn.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}
	if name != "" {
		opts = append(opts, nats.Name(name))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

// NATSSink publishes snapshots as JSON messages on a subject
type NATSSink struct {
	conn        NATSPublisher
	owned       natsConn
	subject     string
	serviceName string
}

// NewNATSSink creates a sink publishing on subject
func NewNATSSink(conn NATSPublisher, subject, serviceName string) *NATSSink {
	return &NATSSink{
		conn:        conn,
		subject:     subject,
		serviceName: serviceName,
	}
}

type natsSnapshot struct {
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot
}

// Publish implements Sink
func (s *NATSSink) Publish(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(natsSnapshot{
		Service:   s.serviceName,
		Timestamp: snapshot.Timestamp,
		Snapshot:  snapshot,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish snapshot on %s: %w", s.subject, err)
	}
	return nil
}

// Close drains the connection when the sink dialed it itself
func (s *NATSSink) Close() error {
	if s.owned == nil {
		return nil
	}
	owned := s.owned
	s.owned = nil
	return owned.Drain()
}

// NATSReporter publishes blocked-loop reports on a subject
type NATSReporter struct {
	conn        NATSPublisher
	subject     string
	serviceName string
}

// NewNATSReporter creates a reporter publishing on subject
func NewNATSReporter(conn NATSPublisher, subject, serviceName string) *NATSReporter {
	return &NATSReporter{
		conn:        conn,
		subject:     subject,
		serviceName: serviceName,
	}
}

type natsReport struct {
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Report implements Reporter
func (r *NATSReporter) Report(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(natsReport{
		Service:   r.serviceName,
		Timestamp: time.Now(),
		Message:   message,
	})
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("failed to publish report on %s: %w", r.subject, err)
	}
	return nil
}
