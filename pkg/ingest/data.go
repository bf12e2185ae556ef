package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
)

// LogbookLinker finds the logbooks an experiment's new session should be
// linked to
type LogbookLinker interface {
	LogbookScopes(ctx context.Context, realmID, experimentID string) ([]string, error)
}

// DataHandler records scan and session state reported by deployments
type DataHandler struct {
	docs   docstore.Store
	linker LogbookLinker
	logger *observability.Logger

	// default sessions by deployment id; entries are never invalidated
	defaults *lru.Cache[string, models.Session]
}

// NewDataHandler creates a DataHandler. linker may be nil.
func NewDataHandler(docs docstore.Store, cacheSize int, linker LogbookLinker, logger *observability.Logger) (*DataHandler, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, models.Session](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &DataHandler{
		docs:     docs,
		linker:   linker,
		logger:   logger.WithField("component", "ingest.data"),
		defaults: cache,
	}, nil
}

func (h *DataHandler) Handle(ctx context.Context, deploymentID string, msg models.IngestPayload) error {
	switch m := msg.(type) {
	case *models.ScanStatus:
		return h.scanStatus(ctx, deploymentID, m)
	case *models.ScanHistory:
		return h.scanHistory(ctx, m)
	case *models.AccountUpdate:
		return h.account(ctx, deploymentID, m)
	default:
		h.logger.WithField("kind", msg.Kind()).Warn("data pipeline ignores message kind")
		return nil
	}
}

// DefaultSession returns the fallback session of a deployment
func (h *DataHandler) DefaultSession(ctx context.Context, deploymentID string) (models.Session, error) {
	if s, ok := h.defaults.Get(deploymentID); ok {
		return s, nil
	}
	var s models.Session
	err := h.docs.FindOne(ctx, models.CollectionSessions,
		docstore.Filter{"name": models.DefaultSessionName, "deployment_id": deploymentID}, &s)
	if errdefs.IsNotFound(err) {
		return s, errdefs.UpstreamInconsistency("ingest.default_session",
			fmt.Sprintf("default session of deployment %s not found", deploymentID))
	}
	if err != nil {
		return s, err
	}
	h.defaults.Add(deploymentID, s)
	return s, nil
}

// governingSession resolves the session a scan belongs to
func (h *DataHandler) governingSession(ctx context.Context, deploymentID, sessionID string) (models.Session, error) {
	if sessionID == "" || sessionID == models.DefaultSessionName {
		return h.DefaultSession(ctx, deploymentID)
	}
	var s models.Session
	err := h.docs.FindOne(ctx, models.CollectionSessions, docstore.Filter{docstore.IDField: sessionID}, &s)
	if errdefs.IsNotFound(err) {
		// The scan is still recorded, visible to admins only.
		h.logger.WithField("session_id", sessionID).Warn("scan refers to an unknown session")
		return models.Session{ID: sessionID}, nil
	}
	return s, err
}

func (h *DataHandler) scanStatus(ctx context.Context, deploymentID string, m *models.ScanStatus) error {
	if m.ScanID == "" {
		return errdefs.InvalidRequest("ingest.scan_status", "scan status without scan id")
	}
	session, err := h.governingSession(ctx, deploymentID, m.ResolvedSessionID())
	if err != nil {
		return err
	}

	var existing models.Scan
	err = h.docs.FindOne(ctx, models.CollectionScans, docstore.Filter{docstore.IDField: m.ScanID}, &existing)
	switch {
	case err == nil:
		return h.docs.Patch(ctx, models.CollectionScans, m.ScanID, map[string]interface{}{"status": m.Status})
	case !errdefs.IsNotFound(err):
		return err
	}

	scan := models.Scan{
		ID:           m.ScanID,
		OwnerGroups:  union([]string{models.AdminGroup}, session.OwnerGroups),
		AccessGroups: union([]string{models.AdminGroup}, session.AccessGroups),
		ScanID:       m.ScanID,
		SessionID:    session.ID,
		Status:       m.Status,
		Timestamp:    m.Timestamp,
		Info:         m.Info,
		Metadata:     m.Metadata,
	}
	err = h.docs.Insert(ctx, models.CollectionScans, scan)
	if errdefs.IsInvalidRequest(err) {
		// created concurrently by another worker
		return h.docs.Patch(ctx, models.CollectionScans, m.ScanID, map[string]interface{}{"status": m.Status})
	}
	return err
}

func (h *DataHandler) scanHistory(ctx context.Context, m *models.ScanHistory) error {
	fields := map[string]interface{}{
		"scan_number":    m.ScanNumber,
		"dataset_number": m.DatasetNumber,
		"file_path":      m.FilePath,
		"exit_status":    m.ExitStatus,
		"start_time":     m.StartTime,
		"end_time":       m.EndTime,
		"scan_name":      m.ScanName,
		"num_points":     m.NumPoints,
		"metadata":       m.Metadata,
	}
	err := h.docs.Patch(ctx, models.CollectionScans, m.ScanID, fields)
	if errdefs.IsNotFound(err) {
		return errdefs.UpstreamInconsistency("ingest.scan_history", fmt.Sprintf("scan %s not found", m.ScanID))
	}
	return err
}

func (h *DataHandler) account(ctx context.Context, deploymentID string, m *models.AccountUpdate) error {
	var deployment models.Deployment
	err := h.docs.FindOne(ctx, models.CollectionDeployments, docstore.Filter{docstore.IDField: deploymentID}, &deployment)
	if errdefs.IsNotFound(err) {
		return errdefs.UpstreamInconsistency("ingest.account", fmt.Sprintf("deployment %s not found", deploymentID))
	}
	if err != nil {
		return err
	}

	experimentID := m.ExperimentID()
	var session models.Session
	if experimentID == "" {
		session, err = h.DefaultSession(ctx, deploymentID)
	} else {
		session, err = h.experimentSession(ctx, &deployment, experimentID)
	}
	if err != nil {
		return err
	}

	if deployment.ActiveSessionID == session.ID {
		return nil
	}
	return h.docs.Patch(ctx, models.CollectionDeployments, deploymentID, map[string]interface{}{"active_session_id": session.ID})
}

// experimentSession finds or creates the session of an experiment on a deployment
func (h *DataHandler) experimentSession(ctx context.Context, deployment *models.Deployment, experimentID string) (models.Session, error) {
	var experiment models.Experiment
	err := h.docs.FindOne(ctx, models.CollectionExperiments, docstore.Filter{docstore.IDField: experimentID}, &experiment)
	if errdefs.IsNotFound(err) {
		return models.Session{}, errdefs.UpstreamInconsistency("ingest.account", fmt.Sprintf("experiment %s not found", experimentID))
	}
	if err != nil {
		return models.Session{}, err
	}

	var session models.Session
	err = h.docs.FindOne(ctx, models.CollectionSessions,
		docstore.Filter{"experiment_id": experimentID, "deployment_id": deployment.ID}, &session)
	if err == nil || !errdefs.IsNotFound(err) {
		return session, err
	}

	session = models.Session{
		ID:           uuid.NewString(),
		OwnerGroups:  []string{models.AdminGroup},
		AccessGroups: union(experiment.AccessGroups, deployment.AccessGroups),
		DeploymentID: deployment.ID,
		Name:         experimentID,
		ExperimentID: experimentID,
	}
	if h.linker != nil {
		scopes, err := h.linker.LogbookScopes(ctx, deployment.RealmID, experimentID)
		if err != nil {
			h.logger.WithError(err).WithField("experiment_id", experimentID).Warn("failed to look up logbooks")
		} else if len(scopes) > 0 {
			session.MessagingServices = append(session.MessagingServices, models.MessagingService{
				ServiceName: "scilog",
				Scopes:      scopes,
			})
		}
	}

	if err := h.docs.Insert(ctx, models.CollectionSessions, session); err != nil {
		return models.Session{}, fmt.Errorf("failed to create session for experiment %s: %w", experimentID, err)
	}
	h.logger.WithFields(map[string]interface{}{
		"deployment_id": deployment.ID,
		"experiment_id": experimentID,
		"session_id":    session.ID,
	}).Info("created experiment session")
	return session, nil
}

// union returns a followed by the members of b not in a
func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
