// Package ingest drains per-deployment event streams into the document
// store.
//
// A Pipeline reads one stream family (for example every deployment's
// "ingest" stream) as a member of a consumer group, so several worker
// processes can share the load. Every entry is acknowledged after dispatch
// whether or not its handler succeeded; entries left pending by a crashed
// worker are reclaimed after they have been idle long enough. Delivery is
// at least once, so handlers are written to be idempotent.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bec-project/bec-atlas/pkg/async"
	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/roster"
	"github.com/bec-project/bec-atlas/pkg/store"
)

// Handler applies decoded messages of one deployment
type Handler interface {
	Handle(ctx context.Context, deploymentID string, msg models.IngestPayload) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, deploymentID string, msg models.IngestPayload) error

func (f HandlerFunc) Handle(ctx context.Context, deploymentID string, msg models.IngestPayload) error {
	return f(ctx, deploymentID, msg)
}

// Config configures a Pipeline
type Config struct {
	// Name labels the pipeline in logs and metrics
	Name      string
	StreamKey func(deploymentID string) string
	// Aliases maps entry field names to the message kind they carry, for
	// producers that write every message under one field such as "data"
	Aliases map[string]string

	Group           string
	Consumer        string
	Block           time.Duration
	IdleWait        time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	ReclaimCount    int64

	Codec   codec.Codec
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "data"
	}
	if c.StreamKey == nil {
		c.StreamKey = store.IngestStream
	}
	if c.Group == "" {
		c.Group = "ingestor"
	}
	if c.Consumer == "" {
		c.Consumer = fmt.Sprintf("ingestor_%d", os.Getpid())
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 10 * time.Second
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = time.Second
	}
	if c.ReclaimCount <= 0 {
		c.ReclaimCount = 100
	}
	if c.Codec == nil {
		c.Codec = codec.Msgpack{}
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
}

// Pipeline is one consumer of a stream family
type Pipeline struct {
	cfg     Config
	client  *store.Client
	roster  *roster.Roster
	handler Handler
	logger  *observability.Logger

	// locks serialises dispatch per deployment between the read and
	// reclaim loops
	locks sync.Map
	// inflight holds entries read by this consumer and not yet acked;
	// reclaim skips them
	inflight sync.Map
}

// NewPipeline creates a pipeline over the streams of every rostered deployment
func NewPipeline(client *store.Client, r *roster.Roster, handler Handler, cfg Config) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		cfg:     cfg,
		client:  client,
		roster:  r,
		handler: handler,
		logger: cfg.Logger.WithFields(map[string]interface{}{
			"component": "ingest",
			"pipeline":  cfg.Name,
			"consumer":  cfg.Consumer,
		}),
	}
}

// Run ensures consumer groups and runs the read, reclaim and roster watch
// loops. It returns after ctx is cancelled and every loop has stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	p.EnsureGroups(ctx, p.roster.Current())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.roster.Watch(gctx, func(s *roster.Snapshot) { p.EnsureGroups(gctx, s) })
	})
	g.Go(func() error {
		p.readLoop(gctx)
		return nil
	})
	g.Go(func() error {
		async.Every(gctx, p.logger, p.cfg.ReclaimInterval, p.cfg.Name+" reclaim", p.Reclaim)
		return nil
	})

	p.logger.Info("ingestion pipeline started")
	err := g.Wait()
	p.logger.Info("ingestion pipeline stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// EnsureGroups creates the consumer group on the stream of every deployment in s
func (p *Pipeline) EnsureGroups(ctx context.Context, s *roster.Snapshot) {
	for _, id := range s.IDs() {
		if err := p.client.EnsureGroup(ctx, p.cfg.StreamKey(id), p.cfg.Group); err != nil {
			p.cfg.Metrics.ObserveIngestError(p.cfg.Name, "ensure_group")
			p.logger.WithError(err).WithField("deployment_id", id).Error("failed to create consumer group")
		}
	}
}

func (p *Pipeline) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		ids := p.roster.Current().IDs()
		if len(ids) == 0 {
			async.Sleep(ctx, p.cfg.IdleWait)
			continue
		}
		streams := make([]string, len(ids))
		for i, id := range ids {
			streams[i] = p.cfg.StreamKey(id)
		}

		entries, err := p.client.ReadGroup(ctx, p.cfg.Group, p.cfg.Consumer, streams, p.cfg.Block, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.cfg.Metrics.ObserveIngestError(p.cfg.Name, "read")
			p.logger.WithError(err).Warn("stream read failed")
			async.Sleep(ctx, p.cfg.IdleWait)
			continue
		}
		p.Process(ctx, entries, "read")
	}
}

// Reclaim claims entries of every deployment that another consumer left
// pending for longer than the minimum idle time, and dispatches them
func (p *Pipeline) Reclaim(ctx context.Context) {
	for _, id := range p.roster.Current().IDs() {
		if ctx.Err() != nil {
			return
		}
		p.reclaimDeployment(ctx, id)
	}
}

func (p *Pipeline) reclaimDeployment(ctx context.Context, deploymentID string) {
	mu := p.lock(deploymentID)
	mu.Lock()
	defer mu.Unlock()

	stream := p.cfg.StreamKey(deploymentID)
	entries, _, err := p.client.AutoClaim(ctx, stream, p.cfg.Group, p.cfg.Consumer, p.cfg.ReclaimMinIdle, "0-0", p.cfg.ReclaimCount)
	if err != nil {
		p.cfg.Metrics.ObserveIngestError(p.cfg.Name, "reclaim")
		p.logger.WithError(err).WithField("deployment_id", deploymentID).Warn("reclaim failed")
		return
	}
	if len(entries) > 0 {
		p.logger.WithFields(map[string]interface{}{
			"deployment_id": deploymentID,
			"entries":       len(entries),
		}).Info("reclaimed pending entries")
	}
	for _, e := range entries {
		if _, busy := p.inflight.Load(inflightKey(e)); busy {
			continue
		}
		p.dispatchAndAck(ctx, deploymentID, e, "reclaim")
	}
}

// Process dispatches and acknowledges entries read from the group. Entries
// of one deployment are handled in order under that deployment's lock.
func (p *Pipeline) Process(ctx context.Context, entries []store.StreamEntry, source string) {
	var order []string
	byDeployment := make(map[string][]store.StreamEntry)
	for _, e := range entries {
		p.inflight.Store(inflightKey(e), struct{}{})
		deploymentID := store.DeploymentFromStream(e.Stream)
		if _, ok := byDeployment[deploymentID]; !ok {
			order = append(order, deploymentID)
		}
		byDeployment[deploymentID] = append(byDeployment[deploymentID], e)
	}

	for _, deploymentID := range order {
		mu := p.lock(deploymentID)
		mu.Lock()
		for _, e := range byDeployment[deploymentID] {
			p.dispatchAndAck(ctx, deploymentID, e, source)
			p.inflight.Delete(inflightKey(e))
		}
		mu.Unlock()
	}
}

func inflightKey(e store.StreamEntry) string {
	return e.Stream + "|" + e.ID
}

func (p *Pipeline) lock(deploymentID string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(deploymentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (p *Pipeline) dispatchAndAck(ctx context.Context, deploymentID string, e store.StreamEntry, source string) {
	p.cfg.Metrics.ObserveIngestEntry(p.cfg.Name, source)
	p.Dispatch(ctx, deploymentID, e)

	n, err := p.client.Ack(ctx, e.Stream, p.cfg.Group, e.ID)
	if err != nil {
		p.cfg.Metrics.ObserveIngestError(p.cfg.Name, "ack")
		p.logger.WithError(err).WithField("entry_id", e.ID).Warn("failed to acknowledge entry")
		return
	}
	p.cfg.Metrics.ObserveIngestAck(p.cfg.Name, int(n))
}

// Dispatch decodes every field of an entry and hands each message to the
// handler. A field that fails to decode or handle does not stop the others.
func (p *Pipeline) Dispatch(ctx context.Context, deploymentID string, e store.StreamEntry) {
	ctx, span := observability.StartSpan(ctx, "ingest.dispatch", "pipeline", p.cfg.Name, "deployment_id", deploymentID, "entry_id", e.ID)
	defer span.End()

	kinds := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		logger := p.logger.WithFields(map[string]interface{}{
			"deployment_id": deploymentID,
			"entry_id":      e.ID,
			"kind":          kind,
		})
		raw, _ := e.Field(kind)
		if alias, ok := p.cfg.Aliases[kind]; ok {
			kind = alias
		}
		msg, err := Decode(p.cfg.Codec, kind, raw)
		if errors.Is(err, ErrUnknownKind) {
			p.cfg.Metrics.ObserveIngestMessage(p.cfg.Name, kind, "unknown")
			logger.Warn("skipping unknown message kind")
			continue
		}
		if err != nil {
			p.cfg.Metrics.ObserveIngestMessage(p.cfg.Name, kind, "decode_error")
			logger.WithError(err).Error("skipping undecodable message")
			continue
		}

		if err := p.handle(ctx, deploymentID, msg); err != nil {
			p.cfg.Metrics.ObserveIngestMessage(p.cfg.Name, kind, "error")
			logger.WithError(err).Error("failed to handle message")
			continue
		}
		p.cfg.Metrics.ObserveIngestMessage(p.cfg.Name, kind, "ok")
	}
}

func (p *Pipeline) handle(ctx context.Context, deploymentID string, msg models.IngestPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = observability.MustRecover(r)
		}
	}()
	return p.handler.Handle(ctx, deploymentID, msg)
}
