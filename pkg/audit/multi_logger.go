package audit

import (
	"context"
	"errors"

	"github.com/bec-project/bec-atlas/pkg/observability"
)

// MultiLogger fans events out to several loggers
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger writing to every given logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log writes event to every logger, joining their errors
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every logger
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StructuredLogger writes events to the service log
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates a log-backed audit logger
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &StructuredLogger{logger: logger.WithField("component", "audit")}
}

func (s *StructuredLogger) Log(_ context.Context, e *Event) error {
	entry := s.logger.WithFields(map[string]interface{}{
		"event_type":    string(e.EventType),
		"status":        string(e.Status),
		"actor":         e.Actor,
		"deployment_id": e.DeploymentID,
		"request_id":    e.RequestID,
		"ip":            e.IPAddress,
	})
	if e.Status == StatusSuccess {
		entry.Info("audit event")
	} else {
		entry.WithField("message", e.Message).Warn("audit event")
	}
	return nil
}

func (s *StructuredLogger) Close() error { return nil }
