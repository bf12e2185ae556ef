package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/docstore/memory"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/roster"
	"github.com/bec-project/bec-atlas/pkg/store"
)

type pipelineFixture struct {
	pipeline *Pipeline
	client   *store.Client
	docs     *memory.Store
	roster   *roster.Roster
	metrics  *observability.Metrics
	handled  *int64
}

func seedDeployment(t *testing.T, docs docstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionDeployments, models.Deployment{
		ID: "d1", OwnerGroups: []string{"admin"}, AccessGroups: []string{"x01_staff"}, RealmID: "x01", Name: "x01",
	}))
	require.NoError(t, docs.Insert(ctx, models.CollectionSessions, models.Session{
		ID: "s-default", OwnerGroups: []string{"admin"}, AccessGroups: []string{"x01_staff"},
		DeploymentID: "d1", Name: models.DefaultSessionName,
	}))
}

func setupPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := store.New(context.Background(), store.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	docs := memory.New()
	seedDeployment(t, docs)

	data, err := NewDataHandler(docs, 16, nil, nil)
	require.NoError(t, err)
	var handled int64
	counting := HandlerFunc(func(ctx context.Context, deploymentID string, msg models.IngestPayload) error {
		atomic.AddInt64(&handled, 1)
		return data.Handle(ctx, deploymentID, msg)
	})

	r := roster.New(client, codec.JSON{}, nil)
	r.Set([]models.KnownDeployment{{ID: "d1", Name: "x01"}})

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := NewPipeline(client, r, counting, Config{
		Consumer:        "ingestor_test",
		Block:           20 * time.Millisecond,
		IdleWait:        20 * time.Millisecond,
		ReclaimInterval: time.Hour,
		ReclaimMinIdle:  10 * time.Millisecond,
		Metrics:         metrics,
	})
	p.EnsureGroups(context.Background(), r.Current())
	return &pipelineFixture{pipeline: p, client: client, docs: docs, roster: r, metrics: metrics, handled: &handled}
}

func (f *pipelineFixture) add(t *testing.T, deploymentID string, fields map[string]interface{}) {
	t.Helper()
	encoded := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if raw, ok := v.([]byte); ok {
			encoded[k] = raw
			continue
		}
		data, err := codec.Msgpack{}.Marshal(v)
		require.NoError(t, err)
		encoded[k] = data
	}
	_, err := f.client.XAdd(context.Background(), store.IngestStream(deploymentID), encoded)
	require.NoError(t, err)
}

func (f *pipelineFixture) read(t *testing.T, consumer string) []store.StreamEntry {
	t.Helper()
	entries, err := f.client.ReadGroup(context.Background(), "ingestor", consumer,
		[]string{store.IngestStream("d1")}, 20*time.Millisecond, 0)
	require.NoError(t, err)
	return entries
}

func (f *pipelineFixture) scan(t *testing.T, id string) models.Scan {
	t.Helper()
	var s models.Scan
	require.NoError(t, f.docs.FindOne(context.Background(), models.CollectionScans, docstore.Filter{docstore.IDField: id}, &s))
	return s
}

func TestScenarioC_TwoStatusEntriesOneRecord(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	f.add(t, "d1", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: "scan-1", Status: "open"}})
	f.add(t, "d1", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: "scan-1", Status: "closed"}})

	entries := f.read(t, "ingestor_test")
	require.Len(t, entries, 2)
	f.pipeline.Process(ctx, entries, "read")

	assert.Equal(t, 1, f.docs.Count(models.CollectionScans))
	s := f.scan(t, "scan-1")
	assert.Equal(t, "closed", s.Status)
	assert.Equal(t, "s-default", s.SessionID)
	assert.ElementsMatch(t, []string{"admin", "x01_staff"}, s.AccessGroups)

	pending, err := f.client.Pending(ctx, store.IngestStream("d1"), "ingestor")
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.IngestMessagesTotal.WithLabelValues("data", "scan_status", "ok")))
}

func TestScenarioD_ReclaimRedeliversOnce(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	f.add(t, "d1", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: "scan-2", Status: "open"}})

	// a consumer that reads and dies before acknowledging
	require.Len(t, f.read(t, "ingestor_crashed"), 1)
	time.Sleep(30 * time.Millisecond)

	f.pipeline.Reclaim(ctx)
	assert.Equal(t, int64(1), atomic.LoadInt64(f.handled))
	assert.Equal(t, 1, f.docs.Count(models.CollectionScans))
	assert.Equal(t, "open", f.scan(t, "scan-2").Status)

	pending, err := f.client.Pending(ctx, store.IngestStream("d1"), "ingestor")
	require.NoError(t, err)
	assert.Zero(t, pending)

	// nothing is left to claim
	time.Sleep(30 * time.Millisecond)
	f.pipeline.Reclaim(ctx)
	assert.Equal(t, int64(1), atomic.LoadInt64(f.handled))
}

func TestReclaim_SkipsEntriesBeingProcessed(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	f.pipeline.handler = HandlerFunc(func(ctx context.Context, deploymentID string, msg models.IngestPayload) error {
		mu.Lock()
		counts[msg.(*models.ScanStatus).ScanID]++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	for _, id := range []string{"a", "b", "c", "d"} {
		f.add(t, "d1", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: id, Status: "open"}})
	}
	entries := f.read(t, "ingestor_test")
	require.Len(t, entries, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pipeline.Process(ctx, entries, "read")
	}()
	time.Sleep(70 * time.Millisecond)
	f.pipeline.Reclaim(ctx)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, counts)

	pending, err := f.client.Pending(ctx, store.IngestStream("d1"), "ingestor")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReclaim_SkipsInflightEntries(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	f.add(t, "d1", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: "scan-9", Status: "open"}})
	entries := f.read(t, "ingestor_test")
	require.Len(t, entries, 1)
	f.pipeline.inflight.Store(inflightKey(entries[0]), struct{}{})
	time.Sleep(30 * time.Millisecond)

	f.pipeline.Reclaim(ctx)
	assert.Zero(t, atomic.LoadInt64(f.handled))
}

func TestDispatch_ReplayIsIdempotent(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	f.add(t, "d1", map[string]interface{}{
		"scan_status": models.ScanStatus{ScanID: "scan-3", Status: "open", Timestamp: 12.5},
	})
	entries := f.read(t, "ingestor_test")
	require.Len(t, entries, 1)

	f.pipeline.Dispatch(ctx, "d1", entries[0])
	first := f.scan(t, "scan-3")
	f.pipeline.Dispatch(ctx, "d1", entries[0])
	assert.Equal(t, first, f.scan(t, "scan-3"))
	assert.Equal(t, 1, f.docs.Count(models.CollectionScans))
}

func TestDispatch_BadFieldsDoNotStopOthers(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	f.add(t, "d1", map[string]interface{}{
		"bogus":        "x",
		"scan_history": []byte{0xc1},
		"scan_status":  models.ScanStatus{ScanID: "scan-4", Status: "open"},
	})
	entries := f.read(t, "ingestor_test")
	require.Len(t, entries, 1)
	f.pipeline.Process(ctx, entries, "read")

	assert.Equal(t, "open", f.scan(t, "scan-4").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestMessagesTotal.WithLabelValues("data", "bogus", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestMessagesTotal.WithLabelValues("data", "scan_history", "decode_error")))

	pending, err := f.client.Pending(ctx, store.IngestStream("d1"), "ingestor")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDispatch_HandlerPanicIsContained(t *testing.T) {
	f := setupPipeline(t)
	f.pipeline.handler = HandlerFunc(func(context.Context, string, models.IngestPayload) error {
		panic("boom")
	})
	f.add(t, "d1", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: "scan-5"}})
	entries := f.read(t, "ingestor_test")
	require.Len(t, entries, 1)

	assert.NotPanics(t, func() { f.pipeline.Process(context.Background(), entries, "read") })
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestMessagesTotal.WithLabelValues("data", "scan_status", "error")))
}

func TestRun_IngestsAndFollowsRoster(t *testing.T) {
	f := setupPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	f.add(t, "d1", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: "scan-6", Status: "open"}})
	require.Eventually(t, func() bool {
		return f.docs.Count(models.CollectionScans) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// a deployment added later gets its group and is read
	require.NoError(t, f.docs.Insert(context.Background(), models.CollectionSessions, models.Session{
		ID: "s-d2", OwnerGroups: []string{"admin"}, DeploymentID: "d2", Name: models.DefaultSessionName,
	}))
	require.Eventually(t, func() bool {
		_ = f.roster.Publish(context.Background(), []models.KnownDeployment{{ID: "d1"}, {ID: "d2"}})
		return f.roster.Current().Has("d2")
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := f.client.Pending(context.Background(), store.IngestStream("d2"), "ingestor")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	f.add(t, "d2", map[string]interface{}{"scan_status": models.ScanStatus{ScanID: "scan-7", Status: "open"}})
	require.Eventually(t, func() bool {
		return f.docs.Count(models.CollectionScans) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipeline_Aliases(t *testing.T) {
	f := setupPipeline(t)
	var got []models.IngestPayload
	p := NewPipeline(f.client, f.roster, HandlerFunc(func(_ context.Context, _ string, msg models.IngestPayload) error {
		got = append(got, msg)
		return nil
	}), Config{
		Name:    "messaging",
		Aliases: map[string]string{"data": models.KindMessagingService},
	})

	data, err := codec.Msgpack{}.Marshal(models.MessagingServiceMessage{ServiceName: "signal"})
	require.NoError(t, err)
	p.Dispatch(context.Background(), "d1", store.StreamEntry{
		Stream: store.MessageServiceStream("d1"),
		ID:     "1-0",
		Fields: map[string]interface{}{"data": string(data)},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "signal", got[0].(*models.MessagingServiceMessage).ServiceName)
}
