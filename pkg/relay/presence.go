package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bec-project/bec-atlas/pkg/store"
)

// Subscription is one endpoint a connection listens to, with the request
// the client registered it with. It is encoded as an [endpoint, request] pair.
type Subscription struct {
	Endpoint string
	Request  string
}

func (s Subscription) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{s.Endpoint, s.Request})
}

func (s *Subscription) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("subscription must be an [endpoint, request] pair, got %d items", len(pair))
	}
	s.Endpoint, s.Request = pair[0], pair[1]
	return nil
}

// PresenceEntry describes one connection in a replica's presence record
type PresenceEntry struct {
	User          string         `json:"user"`
	Subscriptions []Subscription `json:"subscriptions"`
	Deployment    string         `json:"deployment"`
}

// PresenceRecord maps connection ids to their entries, for one deployment
// on one replica
type PresenceRecord map[string]PresenceEntry

// PublishPresence writes and announces this replica's record for every
// deployment it has served. A deployment whose last connection left is
// published with an empty record.
func (r *Relay) PublishPresence(ctx context.Context) {
	records := r.presenceRecords()
	deployments := make([]string, 0, len(records))
	for dep := range records {
		deployments = append(deployments, dep)
	}
	sort.Strings(deployments)

	for _, dep := range deployments {
		data, err := json.Marshal(records[dep])
		if err == nil {
			err = r.client.SetAndPublish(ctx, store.PresenceKey(dep, r.replicaID), data, r.cfg.PresenceTTL)
		}
		r.cfg.Metrics.ObservePresence(err)
		if err != nil {
			r.logger.WithError(err).WithField("deployment_id", dep).Warn("failed to publish presence")
		}
	}
}

func (r *Relay) presenceRecords() map[string]PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make(map[string]PresenceRecord, len(r.served))
	for dep := range r.served {
		records[dep] = PresenceRecord{}
	}
	for id, c := range r.conns {
		subs := make([]Subscription, len(c.subscriptions))
		copy(subs, c.subscriptions)
		records[c.deployment][id] = PresenceEntry{
			User:          c.user,
			Subscriptions: subs,
			Deployment:    c.deployment,
		}
	}
	return records
}

// knownSubscriptions merges the presence records of every replica for a
// deployment into each user's subscriptions
func (r *Relay) knownSubscriptions(ctx context.Context, deploymentID string) (map[string][]Subscription, error) {
	keys, err := r.client.Keys(ctx, store.PresencePattern(deploymentID))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	values, err := r.client.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]Subscription)
	for i, v := range values {
		if v == nil {
			continue
		}
		var rec PresenceRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			r.logger.WithError(err).WithField("key", keys[i]).Warn("ignoring undecodable presence record")
			continue
		}
		for _, entry := range rec {
			out[entry.User] = appendUnique(out[entry.User], entry.Subscriptions...)
		}
	}
	return out, nil
}

func appendUnique(list []Subscription, subs ...Subscription) []Subscription {
	for _, s := range subs {
		found := false
		for _, have := range list {
			if have.Endpoint == s.Endpoint {
				found = true
				break
			}
		}
		if !found {
			list = append(list, s)
		}
	}
	return list
}
