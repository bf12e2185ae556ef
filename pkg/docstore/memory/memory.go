// Package memory is an in-process docstore.Store for tests and single-node runs
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
)

// Store keeps documents as decoded JSON objects. Every read and write goes
// through a JSON round trip so callers never share state with the store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]interface{}
}

// New creates an empty store
func New() *Store {
	return &Store{collections: make(map[string]map[string]map[string]interface{})}
}

var _ docstore.Store = (*Store)(nil)

func (s *Store) FindOne(ctx context.Context, collection string, filter docstore.Filter, out interface{}, opts ...docstore.Option) error {
	docs, err := s.match(collection, filter, docstore.Apply(opts))
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return errdefs.NotFound("docstore.find_one", fmt.Sprintf("no %s document matches", collection))
	}
	return decode(docs[0], out)
}

func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, out interface{}, opts ...docstore.Option) error {
	docs, err := s.match(collection, filter, docstore.Apply(opts))
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []map[string]interface{}{}
	}
	return decode(docs, out)
}

// match copies out the readable documents matching filter, ordered by id
func (s *Store) match(collection string, filter docstore.Filter, o docstore.Options) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.collections[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []map[string]interface{}
	for _, id := range ids {
		doc := coll[id]
		if filter.Matches(doc) && o.CanRead(doc) {
			c, err := roundTrip(doc)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc interface{}, opts ...docstore.Option) error {
	m, id, err := docstore.ToDocument(doc)
	if err != nil {
		return err
	}
	if !docstore.Apply(opts).CanWrite(m) {
		return errdefs.Forbidden("docstore.insert", "user cannot create this document")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]map[string]interface{})
		s.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return errdefs.InvalidRequest("docstore.insert", fmt.Sprintf("%s document %s already exists", collection, id))
	}
	coll[id] = m
	return nil
}

func (s *Store) Patch(ctx context.Context, collection, id string, fields map[string]interface{}, opts ...docstore.Option) error {
	patch, err := roundTrip(fields)
	if err != nil {
		return err
	}
	o := docstore.Apply(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok || !o.CanWrite(doc) {
		return errdefs.NotFound("docstore.patch", fmt.Sprintf("%s document %s not found", collection, id))
	}
	for k, v := range patch {
		if k == docstore.IDField {
			continue
		}
		doc[k] = v
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string, opts ...docstore.Option) error {
	o := docstore.Apply(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok || !o.CanWrite(doc) {
		return errdefs.NotFound("docstore.delete", fmt.Sprintf("%s document %s not found", collection, id))
	}
	delete(s.collections[collection], id)
	return nil
}

// Count returns the number of documents in a collection
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func decode(v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

func roundTrip(fields map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := decode(fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}
