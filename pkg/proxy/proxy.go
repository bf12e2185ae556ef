// Package proxy forwards store operations requested by remote clients to a
// deployment over its request channel, after checking them against the
// caller's remote access level and access profile.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/store"
)

// Operation is a store operation a client asks a deployment to perform
type Operation string

const (
	OpGet           Operation = "get"
	OpSend          Operation = "send"
	OpSetAndPublish Operation = "set_and_publish"
	OpLPush         Operation = "lpush"
	OpRPush         Operation = "rpush"
	OpSet           Operation = "set"
	OpXAdd          Operation = "xadd"
	OpDelete        Operation = "delete"
)

// postOperations are the operations a client may request through Post
var postOperations = map[Operation]bool{
	OpSet:           true,
	OpSend:          true,
	OpSetAndPublish: true,
}

// DefaultGetTimeout bounds the wait for a get reply
const DefaultGetTimeout = 10 * time.Second

// TimeoutResponse is returned by Get when the deployment does not answer in time
var TimeoutResponse = json.RawMessage(`{"error":"Timeout waiting for response"}`)

// Result acknowledges a forwarded write
type Result struct {
	Status string `json:"status"`
}

var success = Result{Status: "success"}

// Proxy authorizes and forwards client requests
type Proxy struct {
	docs     docstore.Store
	client   *store.Client
	codec    codec.Codec
	registry *Registry
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Config configures a Proxy
type Config struct {
	Codec      codec.Codec
	Registry   *Registry
	GetTimeout time.Duration
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// New creates a Proxy
func New(docs docstore.Store, client *store.Client, cfg Config) *Proxy {
	p := &Proxy{
		docs:     docs,
		client:   client,
		codec:    cfg.Codec,
		registry: cfg.Registry,
		timeout:  cfg.GetTimeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if p.codec == nil {
		p.codec = codec.Msgpack{}
	}
	if p.registry == nil {
		p.registry = NewRegistry()
	}
	if p.timeout <= 0 {
		p.timeout = DefaultGetTimeout
	}
	if p.logger == nil {
		p.logger = observability.NopLogger()
	}
	p.logger = p.logger.WithField("component", "proxy")
	return p
}

// Get asks a deployment for the value of key and waits for its reply. A
// missing reply is reported in the returned document, not as an error.
func (p *Proxy) Get(ctx context.Context, user *models.User, deploymentID, key string) (out json.RawMessage, err error) {
	ctx, span := observability.StartSpan(ctx, "proxy.get", "deployment_id", deploymentID, "key", key)
	defer func() {
		p.observe(OpGet, err)
		observability.EndSpan(span, err)
	}()

	if err := p.authorize(ctx, user, deploymentID, key, OpGet, false); err != nil {
		return nil, err
	}

	responseChannel := store.ResponseChannel(deploymentID, hexID())
	sub, err := p.client.Subscribe(ctx, responseChannel)
	if err != nil {
		return nil, errdefs.Unavailable("proxy.get", err)
	}
	defer sub.Close()

	req, err := json.Marshal(map[string]string{
		"action":            string(OpGet),
		"key":               key,
		"response_endpoint": responseChannel,
	})
	if err != nil {
		return nil, err
	}
	if err := p.client.Publish(ctx, store.RequestChannel(deploymentID), req); err != nil {
		return nil, errdefs.Unavailable("proxy.get", err)
	}

	start := time.Now()
	msg, ok, err := sub.Next(ctx, p.timeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.metrics.ObserveProxyGet(time.Since(start), true)
		p.logger.WithFields(map[string]interface{}{
			"deployment_id": deploymentID,
			"key":           key,
		}).Warn("timeout waiting for deployment response")
		return TimeoutResponse, nil
	}
	p.metrics.ObserveProxyGet(time.Since(start), false)

	env, err := codec.DecodeEnvelope(p.codec, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode deployment response: %w", err)
	}
	return json.Marshal(map[string]interface{}{
		"data":     env.Payload(),
		"metadata": env.Metadata,
	})
}

// Post forwards a write of value, typed as msgType, to key on a deployment
func (p *Proxy) Post(ctx context.Context, user *models.User, deploymentID, key string, op Operation, msgType string, value map[string]interface{}) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "proxy.post", "deployment_id", deploymentID, "key", key, "op", string(op))
	defer func() {
		p.observe(op, err)
		observability.EndSpan(span, err)
	}()

	if !postOperations[op] {
		return Result{}, errdefs.InvalidRequest("proxy.post", "invalid operation")
	}
	if err := p.authorize(ctx, user, deploymentID, key, op, true); err != nil {
		return Result{}, err
	}
	if !p.registry.Known(msgType) {
		return Result{}, errdefs.InvalidRequest("proxy.post", "invalid message type")
	}
	if value == nil {
		value = map[string]interface{}{}
	}

	data, err := p.codec.Marshal(map[string]interface{}{
		"action": string(op),
		"key":    key,
		"value": map[string]interface{}{
			"msg_type": msgType,
			"content":  value,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := p.client.Publish(ctx, store.RequestChannel(deploymentID), data); err != nil {
		return Result{}, errdefs.Unavailable("proxy.post", err)
	}
	return success, nil
}

// Delete asks a deployment to delete key
func (p *Proxy) Delete(ctx context.Context, user *models.User, deploymentID, key string) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "proxy.delete", "deployment_id", deploymentID, "key", key)
	defer func() {
		p.observe(OpDelete, err)
		observability.EndSpan(span, err)
	}()

	if err := p.authorize(ctx, user, deploymentID, key, OpDelete, true); err != nil {
		return Result{}, err
	}
	data, err := p.codec.Marshal(map[string]interface{}{
		"action": string(OpDelete),
		"key":    key,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := p.client.Publish(ctx, store.RequestChannel(deploymentID), data); err != nil {
		return Result{}, errdefs.Unavailable("proxy.delete", err)
	}
	return success, nil
}

func (p *Proxy) observe(op Operation, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errdefs.KindOf(err).String()
	}
	p.metrics.ObserveProxy(string(op), outcome)
}

func hexID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}
