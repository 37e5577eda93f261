package loopmon

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type state int

const (
	stateCreated state = iota
	stateStarted
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Monitor owns the aggregator, the collectors and the publisher of one
// process and drives their lifecycle. A stopped Monitor cannot be restarted.
type Monitor struct {
	config       Config
	logger       *zap.Logger
	sched        Scheduler
	aggregator   *Aggregator
	instrumentor *Instrumentor
	publisher    Publisher
	sampler      *sampler

	mutex      sync.Mutex
	state      state
	collectors []Collector
	closers    []func() error
}

// NewMonitor creates a monitor for sched. A nil publisher publishes nothing.
func NewMonitor(config Config, sched Scheduler, publisher Publisher) (*Monitor, error) {
	if sched == nil {
		return nil, fmt.Errorf("%w: scheduler is required", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	if publisher == nil {
		publisher = NullPublisher{}
	}

	logger := config.Logger.With(zap.String("service", config.ServiceName))
	aggregator := NewAggregator()

	return &Monitor{
		config:       config,
		logger:       logger,
		sched:        sched,
		aggregator:   aggregator,
		instrumentor: NewInstrumentor(sched, aggregator, logger),
		publisher:    publisher,
		sampler:      newSampler(sched, aggregator, config.SampleInterval, logger),
	}, nil
}

// AddCollector appends c to the collectors started by Start
func (m *Monitor) AddCollector(c Collector) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state != stateCreated {
		return fmt.Errorf("add collector %s: monitor is %s: %w", c.Name(), m.state, ErrAlreadyStarted)
	}
	m.collectors = append(m.collectors, c)
	return nil
}

// onStop registers fn to release a resource the monitor owns. Closers run
// once, in registration order, when the monitor stops.
func (m *Monitor) onStop(fn func() error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closers = append(m.closers, fn)
}

// Collectors returns the registered collectors in registration order
func (m *Monitor) Collectors() []Collector {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Collector(nil), m.collectors...)
}

// Start starts every collector in registration order, then the publisher and
// the scheduler sampler, and installs exception counting and blocked-loop
// reporting. A collector that fails to start is logged and skipped.
func (m *Monitor) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch m.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	for _, c := range m.collectors {
		if err := c.Start(); err != nil {
			m.logger.Error("Failed to start collector",
				zap.String("collector", c.Name()), zap.Error(err))
		}
	}

	if err := m.publisher.Start(m); err != nil {
		m.state = stateStarted
		m.stopLocked()
		return fmt.Errorf("failed to start publisher: %w", err)
	}

	m.sampler.start()

	if err := m.instrumentor.InstallExceptionCounting(); err != nil {
		m.logger.Warn("Exception counting not installed", zap.Error(err))
	}
	if err := m.instrumentor.InstallBlockedReporting(m.config.Reporter); err != nil {
		m.logger.Warn("Blocked-loop reporting not installed", zap.Error(err))
	}

	m.state = stateStarted
	m.logger.Info("Monitor started",
		zap.Int("collectors", len(m.collectors)),
		zap.Duration("sample_interval", m.config.SampleInterval))
	return nil
}

// Stop stops the publisher, every collector and the sampler, then removes any
// scheduler patch still installed and releases owned connections. Calling
// Stop again does nothing.
func (m *Monitor) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopLocked()
}

func (m *Monitor) stopLocked() error {
	if m.state == stateStopped {
		return nil
	}
	wasStarted := m.state == stateStarted
	m.state = stateStopped

	if !wasStarted {
		return m.closeOwned()
	}

	var errs []error
	if err := m.publisher.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	for _, c := range m.collectors {
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("collector %s: %w", c.Name(), err))
		}
	}
	m.sampler.stop()
	m.instrumentor.Uninstall()
	if err := m.closeOwned(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Error("Monitor stopped with errors", zap.Error(err))
	} else {
		m.logger.Info("Monitor stopped")
	}
	return err
}

func (m *Monitor) closeOwned() error {
	closers := m.closers
	m.closers = nil

	var errs []error
	for _, fn := range closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Started reports whether the monitor is running
func (m *Monitor) Started() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state == stateStarted
}

// Snapshot returns the aggregated metrics and resets them
func (m *Monitor) Snapshot() Snapshot {
	return m.aggregator.Snapshot()
}

// Count adds delta to a counter
func (m *Monitor) Count(name string, delta int64) {
	m.aggregator.Count(name, delta)
}

// KV records one observation into a summary and max gauge
func (m *Monitor) KV(name string, value float64) {
	m.aggregator.KV(name, value)
}

// Aggregator returns the monitor's aggregator
func (m *Monitor) Aggregator() *Aggregator {
	return m.aggregator
}

// Instrumentor returns the instrumentor patching the monitor's scheduler
func (m *Monitor) Instrumentor() *Instrumentor {
	return m.instrumentor
}

// Scheduler returns the monitored scheduler
func (m *Monitor) Scheduler() Scheduler {
	return m.sched
}

// Logger returns the monitor's logger
func (m *Monitor) Logger() *zap.Logger {
	return m.logger
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.config
}
