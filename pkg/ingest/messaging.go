package ingest

import (
	"context"
	"fmt"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
)

// Sink delivers a messaging service message to its external service
type Sink interface {
	Deliver(ctx context.Context, deploymentID string, msg *models.MessagingServiceMessage) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, deploymentID string, msg *models.MessagingServiceMessage) error

func (f SinkFunc) Deliver(ctx context.Context, deploymentID string, msg *models.MessagingServiceMessage) error {
	return f(ctx, deploymentID, msg)
}

// Messaging services a deployment may address
const (
	ServiceSignal = "signal"
	ServiceTeams  = "teams"
	ServiceSciLog = "scilog"
)

// MessagingServiceHandler routes messages addressed to external messaging
// services, after checking their scope against the deployment's active session
type MessagingServiceHandler struct {
	docs   docstore.Store
	sinks  map[string]Sink
	logger *observability.Logger
}

// NewMessagingServiceHandler creates a handler. Services without a sink in
// sinks are given one that only logs the message.
func NewMessagingServiceHandler(docs docstore.Store, sinks map[string]Sink, logger *observability.Logger) *MessagingServiceHandler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	h := &MessagingServiceHandler{
		docs:   docs,
		sinks:  make(map[string]Sink, 3),
		logger: logger.WithField("component", "ingest.messaging"),
	}
	for _, name := range []string{ServiceSignal, ServiceTeams, ServiceSciLog} {
		if s, ok := sinks[name]; ok {
			h.sinks[name] = s
			continue
		}
		h.sinks[name] = h.logSink(name)
	}
	return h
}

func (h *MessagingServiceHandler) logSink(service string) Sink {
	return SinkFunc(func(ctx context.Context, deploymentID string, msg *models.MessagingServiceMessage) error {
		h.logger.WithFields(map[string]interface{}{
			"service":       service,
			"deployment_id": deploymentID,
			"scope":         msg.Scope,
			"parts":         len(msg.Message),
		}).Info("messaging service message received")
		return nil
	})
}

func (h *MessagingServiceHandler) Handle(ctx context.Context, deploymentID string, msg models.IngestPayload) error {
	m, ok := msg.(*models.MessagingServiceMessage)
	if !ok {
		h.logger.WithField("kind", msg.Kind()).Warn("messaging pipeline ignores message kind")
		return nil
	}

	valid, err := h.ScopeIsValid(ctx, deploymentID, m)
	if err != nil {
		return err
	}
	if !valid {
		h.logger.WithFields(map[string]interface{}{
			"deployment_id": deploymentID,
			"service":       m.ServiceName,
			"scope":         m.Scope,
		}).Warn("message scope is not valid for deployment")
		return nil
	}

	sink, ok := h.sinks[m.ServiceName]
	if !ok {
		h.logger.WithField("service", m.ServiceName).Error("unknown messaging service")
		return nil
	}
	if err := sink.Deliver(ctx, deploymentID, m); err != nil {
		return fmt.Errorf("failed to deliver %s message: %w", m.ServiceName, err)
	}
	return nil
}

// ScopeIsValid reports whether every scope of msg is registered for its
// service on the active session of the deployment. An empty scope is valid.
func (h *MessagingServiceHandler) ScopeIsValid(ctx context.Context, deploymentID string, msg *models.MessagingServiceMessage) (bool, error) {
	if len(msg.Scope) == 0 {
		return true, nil
	}

	var deployment models.Deployment
	err := h.docs.FindOne(ctx, models.CollectionDeployments, docstore.Filter{docstore.IDField: deploymentID}, &deployment)
	if errdefs.IsNotFound(err) {
		return false, errdefs.UpstreamInconsistency("ingest.messaging", fmt.Sprintf("deployment %s not found", deploymentID))
	}
	if err != nil {
		return false, err
	}
	if deployment.ActiveSessionID == "" {
		return false, nil
	}

	var session models.Session
	err = h.docs.FindOne(ctx, models.CollectionSessions, docstore.Filter{docstore.IDField: deployment.ActiveSessionID}, &session)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	allowed := make(map[string]struct{})
	for _, svc := range session.MessagingServices {
		if svc.ServiceName != msg.ServiceName {
			continue
		}
		for _, s := range svc.Scopes {
			allowed[s] = struct{}{}
		}
	}
	for _, s := range msg.Scope {
		if _, ok := allowed[s]; !ok {
			return false, nil
		}
	}
	return true, nil
}
