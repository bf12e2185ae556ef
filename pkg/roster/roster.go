// Package roster tracks the known-deployments list published under the
// "deployments" key and channel.
//
// The current list is held as an immutable snapshot behind an atomic
// pointer. Readers never lock; a watcher swaps in a new snapshot on every
// published update and notifies its callback.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/store"
)

// Snapshot is an immutable view of the known deployments
type Snapshot struct {
	Deployments []models.KnownDeployment
	ids         map[string]struct{}
}

func newSnapshot(list []models.KnownDeployment) *Snapshot {
	s := &Snapshot{Deployments: list, ids: make(map[string]struct{}, len(list))}
	for _, d := range list {
		s.ids[d.ID] = struct{}{}
	}
	return s
}

// Has reports whether id is a known deployment
func (s *Snapshot) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// IDs returns the deployment ids in roster order
func (s *Snapshot) IDs() []string {
	out := make([]string, 0, len(s.Deployments))
	for _, d := range s.Deployments {
		out = append(out, d.ID)
	}
	return out
}

// Roster holds the latest snapshot
type Roster struct {
	client *store.Client
	codec  codec.Codec
	logger *observability.Logger
	snap   atomic.Pointer[Snapshot]
}

// New creates an empty roster
func New(client *store.Client, c codec.Codec, logger *observability.Logger) *Roster {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if c == nil {
		c = codec.JSON{}
	}
	r := &Roster{client: client, codec: c, logger: logger.WithField("component", "roster")}
	r.snap.Store(newSnapshot(nil))
	return r
}

// Current returns the latest snapshot
func (r *Roster) Current() *Snapshot {
	return r.snap.Load()
}

// Set replaces the snapshot
func (r *Roster) Set(list []models.KnownDeployment) *Snapshot {
	s := newSnapshot(list)
	r.snap.Store(s)
	return s
}

// Load reads the stored roster. A missing key leaves the roster empty.
func (r *Roster) Load(ctx context.Context) (*Snapshot, error) {
	data, found, err := r.client.Get(ctx, store.DeploymentsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployments: %w", err)
	}
	if !found {
		return r.Current(), nil
	}
	list, err := r.decode(data)
	if err != nil {
		return nil, err
	}
	return r.Set(list), nil
}

// Watch swaps in every published roster and calls onChange with the new
// snapshot. It blocks until ctx is cancelled. Undecodable updates are
// logged and ignored.
//
// The stored roster is reloaded once the subscription is confirmed, so an
// update published between an earlier Load and Watch is not lost.
func (r *Roster) Watch(ctx context.Context, onChange func(*Snapshot)) error {
	sub, err := r.client.Subscribe(ctx, store.DeploymentsKey)
	if err != nil {
		return err
	}
	defer sub.Close()

	before := r.Current()
	if snap, err := r.Load(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to reload deployments")
	} else if snap != before && onChange != nil {
		onChange(snap)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			list, err := r.decode(msg.Payload)
			if err != nil {
				r.logger.WithError(err).Warn("ignoring undecodable deployments update")
				continue
			}
			snap := r.Set(list)
			r.logger.WithField("deployments", len(list)).Debug("deployments updated")
			if onChange != nil {
				onChange(snap)
			}
		}
	}
}

// Publish stores list and announces it on the deployments channel
func (r *Roster) Publish(ctx context.Context, list []models.KnownDeployment) error {
	data, err := r.codec.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode deployments: %w", err)
	}
	return r.client.SetAndPublish(ctx, store.DeploymentsKey, data, 0)
}

// decode accepts either a bare list or a {data: [...]} envelope
func (r *Roster) decode(data []byte) ([]models.KnownDeployment, error) {
	env, err := codec.DecodeEnvelope(r.codec, data)
	if err != nil {
		return nil, err
	}
	// Round trip through JSON so the custom KnownDeployment decoder keeps
	// extra fields regardless of the wire codec.
	raw, err := json.Marshal(env.Payload())
	if err != nil {
		return nil, fmt.Errorf("failed to decode deployments: %w", err)
	}
	var list []models.KnownDeployment
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode deployments: %w", err)
	}
	return list, nil
}
