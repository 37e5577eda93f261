package loopmon

import (
	"context"

	"go.uber.org/zap"
)

// Reporter forwards error messages to an external error-reporting service
type Reporter interface {
	Report(ctx context.Context, message string) error
}

// ReporterFunc adapts a function to the Reporter interface
type ReporterFunc func(ctx context.Context, message string) error

// Report implements Reporter
func (fn ReporterFunc) Report(ctx context.Context, message string) error {
	return fn(ctx, message)
}

// LogReporter writes reports to a zap logger
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter backed by logger
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

// Report implements Reporter
func (r *LogReporter) Report(_ context.Context, message string) error {
	r.logger.Error(message)
	return nil
}
