// Package docstore defines the filtered CRUD interface to the persistent
// record store and the access scoping shared by its backends.
//
// Documents are JSON objects keyed by "_id" and grouped into collections.
// Calls made on behalf of a user are scoped with WithUser: reads only see
// documents whose owner_groups or access_groups intersect the user's
// groups, writes only touch documents whose owner_groups do. Members of
// the admin group are not restricted.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
)

// IDField is the document key field
const IDField = "_id"

// Filter selects documents by field value. A string value matches a field
// equal to it or an array field containing it; an In value matches any of
// its members the same way.
type Filter map[string]interface{}

// In matches any of the listed values
type In []string

// Keys returns the filter fields in a stable order
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store is a document store
type Store interface {
	// FindOne decodes the first matching document into out. No match is an
	// errdefs.NotFound error.
	FindOne(ctx context.Context, collection string, filter Filter, out interface{}, opts ...Option) error
	// Find decodes every matching document into out, a pointer to a slice.
	Find(ctx context.Context, collection string, filter Filter, out interface{}, opts ...Option) error
	// Insert stores a new document; doc must encode an "_id".
	Insert(ctx context.Context, collection string, doc interface{}, opts ...Option) error
	// Patch sets the given top-level fields of a document.
	Patch(ctx context.Context, collection, id string, fields map[string]interface{}, opts ...Option) error
	// Delete removes a document.
	Delete(ctx context.Context, collection, id string, opts ...Option) error
	Ping(ctx context.Context) error
	Close() error
}

// Options scope a call
type Options struct {
	User *models.User
}

// Option configures a call
type Option func(*Options)

// WithUser scopes a call to what user may read or write
func WithUser(user *models.User) Option {
	return func(o *Options) { o.User = user }
}

// Apply folds opts into Options
func Apply(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Unrestricted reports whether the call bypasses access scoping
func (o Options) Unrestricted() bool {
	return o.User == nil || o.User.InGroup(models.AdminGroup)
}

// Groups returns the groups a scoped call is checked against
func (o Options) Groups() []string {
	if o.User == nil {
		return nil
	}
	return o.User.Groups
}

// ToDocument encodes v as a JSON object and returns it with its id
func ToDocument(v interface{}) (map[string]interface{}, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode document: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", errdefs.InvalidRequest("docstore.insert", "document must be a JSON object")
	}
	id, _ := doc[IDField].(string)
	if id == "" {
		return nil, "", errdefs.InvalidRequest("docstore.insert", "document has no _id")
	}
	return doc, id, nil
}

// CanWrite reports whether a scoped call may create doc
func (o Options) CanWrite(doc map[string]interface{}) bool {
	if o.Unrestricted() {
		return true
	}
	return Intersects(doc["owner_groups"], o.Groups())
}

// CanRead reports whether a scoped call may see doc
func (o Options) CanRead(doc map[string]interface{}) bool {
	if o.Unrestricted() {
		return true
	}
	return Intersects(doc["owner_groups"], o.Groups()) || Intersects(doc["access_groups"], o.Groups())
}

// Intersects reports whether a decoded JSON string array shares a member with groups
func Intersects(field interface{}, groups []string) bool {
	list, ok := field.([]interface{})
	if !ok {
		return false
	}
	for _, v := range list {
		s, _ := v.(string)
		for _, g := range groups {
			if s == g {
				return true
			}
		}
	}
	return false
}

// Matches reports whether a decoded document satisfies filter
func (f Filter) Matches(doc map[string]interface{}) bool {
	for _, k := range f.Keys() {
		if !fieldMatches(doc[k], f[k]) {
			return false
		}
	}
	return true
}

func fieldMatches(field interface{}, want interface{}) bool {
	switch w := want.(type) {
	case In:
		for _, v := range w {
			if fieldMatches(field, v) {
				return true
			}
		}
		return false
	case string:
		switch f := field.(type) {
		case string:
			return f == w
		case []interface{}:
			for _, v := range f {
				if s, ok := v.(string); ok && s == w {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}
