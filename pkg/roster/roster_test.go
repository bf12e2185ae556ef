package roster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/store"
)

func setupRoster(t *testing.T, c codec.Codec) (*Roster, *store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := store.New(context.Background(), store.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return New(client, c, nil), client, mr
}

func TestLoad_Missing(t *testing.T) {
	r, _, _ := setupRoster(t, codec.JSON{})
	snap, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.IDs())
	assert.False(t, snap.Has("d1"))
}

func TestLoad_BareListAndEnvelope(t *testing.T) {
	r, _, mr := setupRoster(t, codec.JSON{})
	ctx := context.Background()

	mr.Set(store.DeploymentsKey, `[{"id":"d1","name":"x01","realm":"x"},{"id":"d2","name":"x02"}]`)
	snap, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, snap.IDs())
	assert.True(t, snap.Has("d2"))
	assert.Contains(t, snap.Deployments[0].Extra, "realm")

	mr.Set(store.DeploymentsKey, `{"data":[{"id":"d3","name":"x03"}],"metadata":{}}`)
	snap, err = r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d3"}, snap.IDs())
	assert.Same(t, snap, r.Current())
}

func TestLoad_Invalid(t *testing.T) {
	r, _, mr := setupRoster(t, codec.JSON{})
	mr.Set(store.DeploymentsKey, `not json`)
	_, err := r.Load(context.Background())
	assert.Error(t, err)
}

func TestWatch_SwapsSnapshot(t *testing.T) {
	r, client, _ := setupRoster(t, codec.Msgpack{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a second roster publishes through the same store
	publisher := New(client, codec.Msgpack{}, nil)

	changes := make(chan *Snapshot, 4)
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, func(s *Snapshot) { changes <- s }) }()

	// Watch subscribes asynchronously; publish until the first change lands.
	list := []models.KnownDeployment{{ID: "d1", Name: "x01"}}
	var snap *Snapshot
	require.Eventually(t, func() bool {
		require.NoError(t, publisher.Publish(context.Background(), list))
		select {
		case snap = <-changes:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, snap.Has("d1"))
	assert.True(t, r.Current().Has("d1"))

	stored, err := New(client, codec.Msgpack{}, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, stored.IDs())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatch_PicksUpUpdateBeforeSubscribe(t *testing.T) {
	r, _, mr := setupRoster(t, codec.JSON{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := r.Load(ctx)
	require.NoError(t, err)
	// published while nobody was subscribed
	mr.Set(store.DeploymentsKey, `[{"id":"d7","name":"x07"}]`)

	changes := make(chan *Snapshot, 1)
	go r.Watch(ctx, func(s *Snapshot) { changes <- s })

	select {
	case snap := <-changes:
		assert.True(t, snap.Has("d7"))
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not pick up the stored roster")
	}
	assert.True(t, r.Current().Has("d7"))
}
