package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bec-project/bec-atlas/pkg/contextkeys"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

type contextKey string

const loggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(context.Context, *Event) error { return nil }
func (noOpLogger) Close() error                      { return nil }

// NewEvent builds an event for an API request, taking the actor from the
// resolved principal and the outcome from err
func NewEvent(r *http.Request, eventType EventType, deploymentID string, err error) *Event {
	ctx := r.Context()
	e := &Event{
		ID:           uuid.NewString(),
		OwnerGroups:  []string{models.AdminGroup},
		AccessGroups: []string{},
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Status:       StatusOf(err),
		DeploymentID: deploymentID,
		RequestID:    observability.GetRequestID(ctx),
		IPAddress:    remoteIP(r),
		UserAgent:    r.UserAgent(),
	}
	if user := contextkeys.User(ctx); user != nil {
		e.Actor = user.Email
	}
	if err != nil {
		e.Message = errdefs.Message(err)
	}
	return e
}

// Record logs an event for r through the context's audit logger. Failures
// to record are logged and otherwise ignored.
func Record(r *http.Request, eventType EventType, deploymentID string, err error, metadata map[string]interface{}) {
	ctx := r.Context()
	e := NewEvent(r, eventType, deploymentID, err)
	e.Metadata = metadata
	if lerr := FromContext(ctx).Log(ctx, e); lerr != nil {
		observability.FromContext(ctx).WithError(lerr).WithField("event_type", string(eventType)).Warn("failed to record audit event")
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
