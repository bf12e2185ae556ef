package audit

import (
	"context"
	"sort"

	"github.com/bec-project/bec-atlas/pkg/docstore"
)

// DocStoreLogger persists events in the document store
type DocStoreLogger struct {
	docs docstore.Store
}

// NewDocStoreLogger creates a document store backed audit logger
func NewDocStoreLogger(docs docstore.Store) *DocStoreLogger {
	return &DocStoreLogger{docs: docs}
}

// Log inserts event
func (l *DocStoreLogger) Log(ctx context.Context, event *Event) error {
	return l.docs.Insert(ctx, Collection, event)
}

// Search returns the newest events matching q that user may read
func (l *DocStoreLogger) Search(ctx context.Context, q Query, opts ...docstore.Option) ([]Event, error) {
	filter := docstore.Filter{}
	if q.DeploymentID != "" {
		filter["deployment_id"] = q.DeploymentID
	}
	if q.EventType != "" {
		filter["event_type"] = string(q.EventType)
	}
	if q.Actor != "" {
		filter["actor"] = q.Actor
	}

	var events []Event
	if err := l.docs.Find(ctx, Collection, filter, &events, opts...); err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(events))
	for _, e := range events {
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op; the document store is owned by the caller
func (l *DocStoreLogger) Close() error { return nil }
