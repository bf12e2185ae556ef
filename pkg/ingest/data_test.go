package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/docstore/memory"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
)

type fakeLinker struct {
	scopes []string
	err    error
	calls  int
}

func (l *fakeLinker) LogbookScopes(ctx context.Context, realmID, experimentID string) ([]string, error) {
	l.calls++
	return l.scopes, l.err
}

func setupData(t *testing.T, linker LogbookLinker) (*DataHandler, *memory.Store) {
	t.Helper()
	docs := memory.New()
	seedDeployment(t, docs)
	require.NoError(t, docs.Insert(context.Background(), models.CollectionExperiments, models.Experiment{
		ID: "p1234", OwnerGroups: []string{"admin"}, AccessGroups: []string{"p1234"}, RealmID: "x01", Proposal: "1234",
	}))
	h, err := NewDataHandler(docs, 4, linker, nil)
	require.NoError(t, err)
	return h, docs
}

func TestScanStatus_ExplicitSession(t *testing.T) {
	h, docs := setupData(t, nil)
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionSessions, models.Session{
		ID: "s-exp", OwnerGroups: []string{"admin"}, AccessGroups: []string{"p1234"}, DeploymentID: "d1", Name: "p1234",
	}))

	msg := &models.ScanStatus{ScanID: "a", Status: "open", Info: map[string]interface{}{"session_id": "s-exp"}}
	require.NoError(t, h.Handle(ctx, "d1", msg))

	var s models.Scan
	require.NoError(t, docs.FindOne(ctx, models.CollectionScans, docstore.Filter{docstore.IDField: "a"}, &s))
	assert.Equal(t, "s-exp", s.SessionID)
	assert.Equal(t, []string{"admin", "p1234"}, s.AccessGroups)
	assert.Equal(t, []string{"admin"}, s.OwnerGroups)

	// a user of the proposal sees it, others do not
	user := &models.User{Email: "a@x", Groups: []string{"p1234"}}
	require.NoError(t, docs.FindOne(ctx, models.CollectionScans, docstore.Filter{docstore.IDField: "a"}, &s, docstore.WithUser(user)))
	other := &models.User{Email: "b@x", Groups: []string{"p9999"}}
	err := docs.FindOne(ctx, models.CollectionScans, docstore.Filter{docstore.IDField: "a"}, &s, docstore.WithUser(other))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestScanStatus_UnknownSessionIsAdminOnly(t *testing.T) {
	h, docs := setupData(t, nil)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, "d1", &models.ScanStatus{ScanID: "b", Status: "open", SessionID: "gone"}))
	var s models.Scan
	require.NoError(t, docs.FindOne(ctx, models.CollectionScans, docstore.Filter{docstore.IDField: "b"}, &s))
	assert.Equal(t, "gone", s.SessionID)
	assert.Equal(t, []string{"admin"}, s.AccessGroups)
}

func TestScanStatus_MissingDefaultSession(t *testing.T) {
	h, docs := setupData(t, nil)
	err := h.Handle(context.Background(), "d9", &models.ScanStatus{ScanID: "c", Status: "open"})
	assert.True(t, errdefs.IsUpstreamInconsistency(err))
	assert.Zero(t, docs.Count(models.CollectionScans))

	assert.True(t, errdefs.IsInvalidRequest(h.Handle(context.Background(), "d1", &models.ScanStatus{})))
}

func TestDefaultSession_Memoised(t *testing.T) {
	h, docs := setupData(t, nil)
	ctx := context.Background()

	s, err := h.DefaultSession(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "s-default", s.ID)

	require.NoError(t, docs.Delete(ctx, models.CollectionSessions, "s-default"))
	s, err = h.DefaultSession(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "s-default", s.ID)
}

func TestScanHistory(t *testing.T) {
	h, docs := setupData(t, nil)
	ctx := context.Background()

	err := h.Handle(ctx, "d1", &models.ScanHistory{ScanID: "missing"})
	assert.True(t, errdefs.IsUpstreamInconsistency(err))

	require.NoError(t, h.Handle(ctx, "d1", &models.ScanStatus{ScanID: "h", Status: "closed"}))
	require.NoError(t, h.Handle(ctx, "d1", &models.ScanHistory{
		ScanID: "h", ScanNumber: 7, DatasetNumber: 2, FilePath: "/data/S00007.h5", ExitStatus: "closed",
		StartTime: 10, EndTime: 20, ScanName: "line_scan", NumPoints: 50,
	}))

	var s models.Scan
	require.NoError(t, docs.FindOne(ctx, models.CollectionScans, docstore.Filter{docstore.IDField: "h"}, &s))
	require.NotNil(t, s.ScanNumber)
	assert.Equal(t, 7, *s.ScanNumber)
	assert.Equal(t, "line_scan", s.ScanName)
	assert.Equal(t, "/data/S00007.h5", s.FilePath)
	require.NotNil(t, s.EndTime)
	assert.Equal(t, 20.0, *s.EndTime)
	assert.Equal(t, "closed", s.Status)
}

func activeSession(t *testing.T, docs docstore.Store) string {
	t.Helper()
	var d models.Deployment
	require.NoError(t, docs.FindOne(context.Background(), models.CollectionDeployments, docstore.Filter{docstore.IDField: "d1"}, &d))
	return d.ActiveSessionID
}

func TestAccount_CreatesExperimentSession(t *testing.T) {
	linker := &fakeLinker{scopes: []string{"lb-1"}}
	h, docs := setupData(t, linker)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, "d1", &models.AccountUpdate{Value: "p1234"}))
	sessionID := activeSession(t, docs)
	require.NotEmpty(t, sessionID)

	var s models.Session
	require.NoError(t, docs.FindOne(ctx, models.CollectionSessions, docstore.Filter{docstore.IDField: sessionID}, &s))
	assert.Equal(t, "p1234", s.Name)
	assert.Equal(t, "p1234", s.ExperimentID)
	assert.Equal(t, "d1", s.DeploymentID)
	assert.Equal(t, []string{"admin"}, s.OwnerGroups)
	assert.Equal(t, []string{"p1234", "x01_staff"}, s.AccessGroups)
	assert.Equal(t, []models.MessagingService{{ServiceName: "scilog", Scopes: []string{"lb-1"}}}, s.MessagingServices)

	// the same account again reuses the session
	require.NoError(t, h.Handle(ctx, "d1", &models.AccountUpdate{Value: "p1234"}))
	assert.Equal(t, sessionID, activeSession(t, docs))
	assert.Equal(t, 2, docs.Count(models.CollectionSessions))
	assert.Equal(t, 1, linker.calls)

	// an empty account falls back to the default session
	require.NoError(t, h.Handle(ctx, "d1", &models.AccountUpdate{Value: map[string]interface{}{"account": nil}}))
	assert.Equal(t, "s-default", activeSession(t, docs))
}

func TestAccount_LinkerFailureStillCreatesSession(t *testing.T) {
	h, docs := setupData(t, &fakeLinker{err: errors.New("scilog down")})
	require.NoError(t, h.Handle(context.Background(), "d1", &models.AccountUpdate{Value: "p1234"}))

	var s models.Session
	require.NoError(t, docs.FindOne(context.Background(), models.CollectionSessions,
		docstore.Filter{docstore.IDField: activeSession(t, docs)}, &s))
	assert.Empty(t, s.MessagingServices)
}

func TestAccount_Inconsistencies(t *testing.T) {
	h, _ := setupData(t, nil)
	ctx := context.Background()

	err := h.Handle(ctx, "d1", &models.AccountUpdate{Value: "p0000"})
	assert.True(t, errdefs.IsUpstreamInconsistency(err))

	err = h.Handle(ctx, "d9", &models.AccountUpdate{Value: "p1234"})
	assert.True(t, errdefs.IsUpstreamInconsistency(err))
}

func TestUnion(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, union([]string{"a", "b"}, []string{"b", "c", "a"}))
	assert.Empty(t, union(nil, nil))
}
