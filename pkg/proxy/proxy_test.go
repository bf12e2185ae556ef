package proxy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/docstore/memory"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/store"
)

type proxyFixture struct {
	proxy   *Proxy
	docs    *memory.Store
	client  *store.Client
	metrics *observability.Metrics
}

func setupProxy(t *testing.T, grant models.DeploymentAccess, profiles ...models.AccessProfile) *proxyFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := store.New(context.Background(), store.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	docs := memory.New()
	ctx := context.Background()
	require.NoError(t, docs.Insert(ctx, models.CollectionDeploymentAccess, grant))
	for _, p := range profiles {
		require.NoError(t, docs.Insert(ctx, models.CollectionAccessProfiles, p))
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p := New(docs, client, Config{
		Codec:      codec.Msgpack{},
		GetTimeout: 200 * time.Millisecond,
		Metrics:    metrics,
	})
	return &proxyFixture{proxy: p, docs: docs, client: client, metrics: metrics}
}

func profile(id, username string, keys, channels []string) models.AccessProfile {
	return models.AccessProfile{
		ID: id, OwnerGroups: []string{"admin"}, AccessGroups: []string{username},
		DeploymentID: "d1", Username: username, Keys: keys, Channels: channels,
	}
}

var alice = &models.User{Email: "alice@x", Username: "alice", Groups: []string{"alice", "alice@x", "p1234"}}

// subscribeRequests captures what the proxy publishes to a deployment
func subscribeRequests(t *testing.T, client *store.Client, deploymentID string) *store.Subscription {
	t.Helper()
	sub, err := client.Subscribe(context.Background(), store.RequestChannel(deploymentID))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func TestScenarioA_RemoteReadOnly(t *testing.T) {
	f := setupProxy(t,
		models.DeploymentAccess{ID: "d1", RemoteReadAccess: []string{"alice@x"}},
		profile("p1", "alice@x", []string{"*"}, []string{"*"}))
	ctx := context.Background()
	requests := subscribeRequests(t, f.client, "d1")

	// a deployment answering get requests
	go func() {
		msg, ok, err := requests.Next(ctx, 2*time.Second)
		if err != nil || !ok {
			return
		}
		var req map[string]string
		if json.Unmarshal(msg.Payload, &req) != nil {
			return
		}
		reply, _ := codec.Msgpack{}.Marshal(map[string]interface{}{
			"content":  map[string]interface{}{"status": "running"},
			"metadata": map[string]interface{}{"source": "bec"},
		})
		_ = f.client.Publish(ctx, req["response_endpoint"], reply)
	}()

	out, err := f.proxy.Get(ctx, alice, "d1", "status/x")
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, map[string]interface{}{"status": "running"}, got["data"])
	assert.Equal(t, map[string]interface{}{"source": "bec"}, got["metadata"])

	_, err = f.proxy.Post(ctx, alice, "d1", "status/x", OpSet, "VariableMessage", map[string]interface{}{"value": 1})
	require.True(t, errdefs.IsForbidden(err))
	assert.Equal(t, msgNoWriteAccess, errdefs.Message(err))

	// nothing but the get request reached the deployment
	_, ok, err := requests.Next(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProxyRequestsTotal.WithLabelValues("get", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProxyRequestsTotal.WithLabelValues("set", "forbidden")))
}

func TestScenarioB_KeyPatterns(t *testing.T) {
	f := setupProxy(t,
		models.DeploymentAccess{ID: "d1", RemoteWriteAccess: []string{"p1234"}},
		profile("p1", "alice", []string{"%RW~status/*"}, []string{}))
	ctx := context.Background()
	requests := subscribeRequests(t, f.client, "d1")

	res, err := f.proxy.Post(ctx, alice, "d1", "status/x", OpSet, "VariableMessage", map[string]interface{}{"value": 1})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)

	msg, ok, err := requests.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	var published map[string]interface{}
	require.NoError(t, codec.Msgpack{}.Unmarshal(msg.Payload, &published))
	assert.Equal(t, "set", published["action"])
	assert.Equal(t, "status/x", published["key"])
	value := published["value"].(map[string]interface{})
	assert.Equal(t, "VariableMessage", value["msg_type"])

	_, err = f.proxy.Post(ctx, alice, "d1", "other/x", OpSet, "VariableMessage", nil)
	require.True(t, errdefs.IsForbidden(err))
	assert.Equal(t, msgNoKeyAccess, errdefs.Message(err))

	// channel patterns are empty, so send is refused even on an allowed key
	_, err = f.proxy.Post(ctx, alice, "d1", "status/x", OpSend, "VariableMessage", nil)
	assert.True(t, errdefs.IsForbidden(err))
	_, err = f.proxy.Post(ctx, alice, "d1", "status/x", OpSetAndPublish, "VariableMessage", nil)
	assert.True(t, errdefs.IsForbidden(err))
}

func TestGet_Timeout(t *testing.T) {
	f := setupProxy(t,
		models.DeploymentAccess{ID: "d1", RemoteReadAccess: []string{"alice"}},
		profile("p1", "alice", []string{"*"}, []string{"*"}))

	out, err := f.proxy.Get(context.Background(), alice, "d1", "status/x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Timeout waiting for response"}`, string(out))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProxyGetTimeouts))
}

func TestAuthorize_Failures(t *testing.T) {
	f := setupProxy(t,
		models.DeploymentAccess{ID: "d1", RemoteWriteAccess: []string{"alice"}},
		profile("p1", "bob", []string{"*"}, []string{"*"}))
	ctx := context.Background()

	_, err := f.proxy.Get(ctx, alice, "missing", "k")
	assert.True(t, errdefs.IsNotFound(err))

	outsider := &models.User{Email: "eve@x", Groups: []string{"eve@x"}}
	_, err = f.proxy.Get(ctx, outsider, "d1", "k")
	assert.Equal(t, msgNoRemoteAccess, errdefs.Message(err))

	_, err = f.proxy.Get(ctx, nil, "d1", "k")
	assert.True(t, errdefs.IsForbidden(err))

	// alice has remote access but no profile of her own
	_, err = f.proxy.Delete(ctx, alice, "d1", "k")
	assert.Equal(t, msgNoKeyAccess, errdefs.Message(err))
}

func TestPost_InvalidOperationAndType(t *testing.T) {
	f := setupProxy(t,
		models.DeploymentAccess{ID: "d1", RemoteWriteAccess: []string{"alice"}},
		profile("p1", "alice", []string{"*"}, []string{"*"}))
	ctx := context.Background()

	_, err := f.proxy.Post(ctx, alice, "d1", "k", Operation("flushall"), "VariableMessage", nil)
	assert.True(t, errdefs.IsInvalidRequest(err))
	assert.Equal(t, "invalid operation", errdefs.Message(err))

	_, err = f.proxy.Post(ctx, alice, "d1", "k", OpSet, "NotAMessage", nil)
	assert.Equal(t, "invalid message type", errdefs.Message(err))

	_, err = f.proxy.Post(ctx, alice, "d1", "k", OpSet, "", nil)
	assert.True(t, errdefs.IsInvalidRequest(err))
}

func TestPost_OnlyWriteOperations(t *testing.T) {
	f := setupProxy(t,
		models.DeploymentAccess{ID: "d1", RemoteReadAccess: []string{"alice"}},
		profile("p1", "alice", []string{"*"}, []string{"*"}))
	ctx := context.Background()
	requests := subscribeRequests(t, f.client, "d1")

	for _, op := range []Operation{OpGet, OpDelete, OpLPush, OpRPush, OpXAdd} {
		_, err := f.proxy.Post(ctx, alice, "d1", "status/x", op, "VariableMessage", nil)
		assert.True(t, errdefs.IsInvalidRequest(err), op)
		assert.Equal(t, "invalid operation", errdefs.Message(err), op)
	}

	// a reader cannot write even with a wildcard profile
	for _, op := range []Operation{OpSet, OpSend, OpSetAndPublish} {
		_, err := f.proxy.Post(ctx, alice, "d1", "status/x", op, "VariableMessage", nil)
		assert.Equal(t, msgNoWriteAccess, errdefs.Message(err), op)
	}

	_, ok, err := requests.Next(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_Publishes(t *testing.T) {
	f := setupProxy(t,
		models.DeploymentAccess{ID: "d1", RemoteWriteAccess: []string{"alice"}},
		profile("p1", "alice", []string{"%W~scratch/*"}, nil))
	ctx := context.Background()
	requests := subscribeRequests(t, f.client, "d1")

	_, err := f.proxy.Delete(ctx, alice, "d1", "scratch/a")
	require.NoError(t, err)

	msg, ok, err := requests.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	var published map[string]interface{}
	require.NoError(t, codec.Msgpack{}.Unmarshal(msg.Payload, &published))
	assert.Equal(t, map[string]interface{}{"action": "delete", "key": "scratch/a"}, published)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("CustomMessage")
	assert.True(t, r.Known("ScanQueueMessage"))
	assert.True(t, r.Known("CustomMessage"))
	assert.False(t, r.Known(""))
	r.Register("")
	assert.False(t, r.Known(""))
}
