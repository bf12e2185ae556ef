// Package relay fans live deployment data out to websocket clients.
//
// Clients connect for one deployment and register for data endpoints. Each
// endpoint a replica serves is backed by one store subscription, shared by
// every connection in the endpoint's room. Replicas publish which users are
// subscribed to what, so a client that reconnects to another replica gets
// its subscriptions back.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bec-project/bec-atlas/pkg/access"
	"github.com/bec-project/bec-atlas/pkg/async"
	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/roster"
	"github.com/bec-project/bec-atlas/pkg/store"
)

// Event types sent to clients
const (
	EventMessage = "message"
	EventError   = "error"
)

var errShuttingDown = errors.New("relay is shutting down")

// Event is one message to a client
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Conn is a client connection
type Conn interface {
	ID() string
	Send(Event) error
	Close() error
}

// PrincipalResolver resolves a bearer token to a user
type PrincipalResolver interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

// Config configures a Relay
type Config struct {
	ReplicaID         string
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	Codec             codec.Codec
	Endpoints         *EndpointRegistry
	Logger            *observability.Logger
	Metrics           *observability.Metrics
}

func (c *Config) setDefaults() {
	if c.ReplicaID == "" {
		c.ReplicaID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 30 * time.Second
	}
	if c.Codec == nil {
		c.Codec = codec.Msgpack{}
	}
	if c.Endpoints == nil {
		c.Endpoints = NewEndpointRegistry()
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
}

type connection struct {
	conn          Conn
	user          string
	deployment    string
	subscriptions []Subscription
}

func (c *connection) request(endpoint string) (string, bool) {
	for _, s := range c.subscriptions {
		if s.Endpoint == endpoint {
			return s.Request, true
		}
	}
	return "", false
}

type room struct {
	endpoint string
	members  map[string]struct{}
	sub      *store.Subscription
}

// RoomName names the room of a deployment endpoint
func RoomName(deploymentID, endpoint string) string {
	return "socketio/rooms/" + deploymentID + "/" + endpoint
}

// Relay serves websocket clients of this replica
type Relay struct {
	cfg        Config
	replicaID  string
	client     *store.Client
	docs       docstore.Store
	roster     *roster.Roster
	principals PrincipalResolver
	logger     *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*connection
	rooms   map[string]*room
	served  map[string]struct{}
	closing bool
	started bool
}

// New creates a Relay. Call Start to begin the presence heartbeat.
func New(client *store.Client, docs docstore.Store, r *roster.Roster, principals PrincipalResolver, cfg Config) *Relay {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:        cfg,
		replicaID:  cfg.ReplicaID,
		client:     client,
		docs:       docs,
		roster:     r,
		principals: principals,
		logger: cfg.Logger.WithFields(map[string]interface{}{
			"component":  "relay",
			"replica_id": cfg.ReplicaID,
		}),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*connection),
		rooms:  make(map[string]*room),
		served: make(map[string]struct{}),
	}
}

// ReplicaID identifies this replica in presence records
func (r *Relay) ReplicaID() string { return r.replicaID }

// Start runs the presence heartbeat until Shutdown
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closing {
		return
	}
	r.started = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		async.Every(r.ctx, r.logger, r.cfg.HeartbeatInterval, "presence heartbeat", r.PublishPresence)
	}()
}

// Connect admits a client for a deployment. The caller closes conn when
// Connect fails.
func (r *Relay) Connect(ctx context.Context, conn Conn, token, deploymentID string) error {
	if token == "" {
		return errdefs.Forbidden("relay.connect", "missing access token")
	}
	user, err := r.principals.Resolve(ctx, token)
	if err != nil {
		return err
	}
	if deploymentID == "" {
		return errdefs.InvalidRequest("relay.connect", "deployment not found in query parameters")
	}
	if !r.roster.Current().Has(deploymentID) {
		return errdefs.NotFound("relay.connect", "deployment not found")
	}
	var grant models.DeploymentAccess
	err = r.docs.FindOne(ctx, models.CollectionDeploymentAccess, docstore.Filter{docstore.IDField: deploymentID}, &grant)
	if errdefs.IsNotFound(err) {
		return errdefs.NotFound("relay.connect", "deployment not found")
	}
	if err != nil {
		return err
	}
	if access.RemoteAccessFor(user, &grant) == access.None {
		return errdefs.Forbidden("relay.connect", "user does not have remote access to the deployment")
	}

	known, err := r.knownSubscriptions(ctx, deploymentID)
	if err != nil {
		return errdefs.Unavailable("relay.connect", err)
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return errdefs.Unavailable("relay.connect", errShuttingDown)
	}
	if _, ok := r.conns[conn.ID()]; ok {
		r.mu.Unlock()
		return nil
	}
	c := &connection{conn: conn, user: user.Email, deployment: deploymentID}
	r.conns[conn.ID()] = c
	r.served[deploymentID] = struct{}{}
	r.mu.Unlock()
	r.cfg.Metrics.AddRelayConnections(1)

	logger := r.logger.WithFields(map[string]interface{}{
		"conn_id":       conn.ID(),
		"user":          user.Email,
		"deployment_id": deploymentID,
	})
	for _, s := range known[user.Email] {
		if err := r.subscribe(ctx, conn.ID(), s.Endpoint, s.Request); err != nil {
			logger.WithError(err).WithField("endpoint", s.Endpoint).Warn("failed to restore subscription")
		}
	}
	logger.WithField("restored", len(known[user.Email])).Info("client connected")

	r.PublishPresence(ctx)
	return nil
}

type registerRequest struct {
	Endpoint string      `json:"endpoint"`
	Args     interface{} `json:"args"`
}

// Register subscribes a connection to the endpoint named in request, a
// JSON document {"endpoint": name, "args": [...]}
func (r *Relay) Register(ctx context.Context, connID, request string) error {
	var req registerRequest
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		return errdefs.InvalidRequest("relay.register", "invalid JSON message")
	}
	endpoint, err := r.cfg.Endpoints.Resolve(req.Endpoint, req.Args)
	if err != nil {
		return errdefs.InvalidRequest("relay.register", err.Error())
	}
	if err := r.subscribe(ctx, connID, endpoint, request); err != nil {
		return err
	}
	r.PublishPresence(ctx)
	return nil
}

// subscribe joins a connection to the room of endpoint, opening the backing
// subscription if this is the room's first member. The store subscription
// is opened without holding r.mu.
func (r *Relay) subscribe(ctx context.Context, connID, endpoint, request string) error {
	r.mu.Lock()
	c, err := r.lookup(connID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	name := RoomName(c.deployment, endpoint)
	if rm, ok := r.rooms[name]; ok {
		r.join(c, connID, rm, endpoint, request)
		r.mu.Unlock()
		return nil
	}
	deploymentID := c.deployment
	r.mu.Unlock()

	sub, err := r.client.Subscribe(ctx, store.DataChannel(deploymentID, endpoint))
	if err != nil {
		return errdefs.Unavailable("relay.register", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, err = r.lookup(connID)
	if err != nil {
		sub.Close()
		return err
	}
	rm, ok := r.rooms[name]
	if ok {
		// another connection opened the room meanwhile
		sub.Close()
	} else {
		rm = &room{endpoint: endpoint, members: make(map[string]struct{}), sub: sub}
		r.rooms[name] = rm
		r.wg.Add(1)
		go r.forward(name, rm)
	}
	r.join(c, connID, rm, endpoint, request)
	return nil
}

// lookup returns a live connection. Callers hold r.mu.
func (r *Relay) lookup(connID string) (*connection, error) {
	if r.closing {
		return nil, errdefs.Unavailable("relay.register", errShuttingDown)
	}
	c, ok := r.conns[connID]
	if !ok {
		return nil, errdefs.NotFound("relay.register", "connection not found")
	}
	return c, nil
}

// join adds c to rm and records the subscription once. Callers hold r.mu.
func (r *Relay) join(c *connection, connID string, rm *room, endpoint, request string) {
	rm.members[connID] = struct{}{}
	for i, s := range c.subscriptions {
		if s.Endpoint == endpoint {
			c.subscriptions[i].Request = request
			return
		}
	}
	c.subscriptions = append(c.subscriptions, Subscription{Endpoint: endpoint, Request: request})
}

// Unregister removes a connection from the room of endpoint
func (r *Relay) Unregister(ctx context.Context, connID, endpoint string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return errdefs.NotFound("relay.unregister", "connection not found")
	}
	changed := r.leave(c, connID, endpoint)
	r.mu.Unlock()

	if changed {
		r.PublishPresence(ctx)
	}
	return nil
}

// leave drops one subscription of c. Callers hold r.mu.
func (r *Relay) leave(c *connection, connID, endpoint string) bool {
	idx := -1
	for i, s := range c.subscriptions {
		if s.Endpoint == endpoint {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	c.subscriptions = append(c.subscriptions[:idx], c.subscriptions[idx+1:]...)

	name := RoomName(c.deployment, endpoint)
	if rm, ok := r.rooms[name]; ok {
		delete(rm.members, connID)
		if len(rm.members) == 0 {
			delete(r.rooms, name)
			rm.sub.Close()
		}
	}
	return true
}

// Disconnect forgets a connection. Once shutdown has begun it does nothing,
// so departing replicas keep their last presence until it expires.
func (r *Relay) Disconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for len(c.subscriptions) > 0 {
		r.leave(c, connID, c.subscriptions[0].Endpoint)
	}
	delete(r.conns, connID)
	r.mu.Unlock()

	r.cfg.Metrics.AddRelayConnections(-1)
	r.logger.WithField("conn_id", connID).Info("client disconnected")
	r.PublishPresence(ctx)
}

// Shutdown stops the heartbeat and closes every backing subscription
func (r *Relay) Shutdown() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.closing = true
	for name, rm := range r.rooms {
		rm.sub.Close()
		delete(r.rooms, name)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Info("relay stopped")
}

type outgoing struct {
	Data            interface{}            `json:"data"`
	Metadata        map[string]interface{} `json:"metadata"`
	Endpoint        string                 `json:"endpoint"`
	EndpointRequest string                 `json:"endpoint_request"`
}

type recipient struct {
	conn    Conn
	request string
}

// forward delivers messages of a room's backing channel to its members
// until the subscription is closed
func (r *Relay) forward(name string, rm *room) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithError(observability.MustRecover(rec)).WithField("room", name).Error("relay forwarder panicked")
		}
	}()

	for msg := range rm.sub.Channel() {
		env, err := codec.DecodeEnvelope(r.cfg.Codec, msg.Payload)
		if err != nil {
			r.logger.WithError(err).WithField("room", name).Warn("dropping undecodable message")
			continue
		}

		for _, to := range r.recipients(name, rm) {
			ev := Event{Type: EventMessage, Data: outgoing{
				Data:            env.Payload(),
				Metadata:        env.Metadata,
				Endpoint:        rm.endpoint,
				EndpointRequest: to.request,
			}}
			if err := to.conn.Send(ev); err != nil {
				r.logger.WithError(err).WithFields(map[string]interface{}{
					"conn_id": to.conn.ID(),
					"room":    name,
				}).Warn("failed to send to client")
				continue
			}
			r.cfg.Metrics.ObserveRelayForward(rm.endpoint)
		}
	}
}

func (r *Relay) recipients(name string, rm *room) []recipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[name] != rm {
		return nil
	}
	out := make([]recipient, 0, len(rm.members))
	for id := range rm.members {
		c, ok := r.conns[id]
		if !ok {
			continue
		}
		req, _ := c.request(rm.endpoint)
		out = append(out, recipient{conn: c.conn, request: req})
	}
	return out
}
