// Package postgres stores documents as JSONB rows in PostgreSQL.
//
// All collections share one table keyed by (collection, id). Field filters
// use the jsonb containment operators so a string matches either a scalar
// field or an element of an array field, the same semantics the memory
// backend implements.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
)

// Config holds connection pool settings
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	Timeout      time.Duration
}

// Store is a docstore.Store over a *sql.DB
type Store struct {
	db *sql.DB
}

var _ docstore.Store = (*Store)(nil)

// Open connects to PostgreSQL and prepares the documents table
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping document store: %w", err)
	}

	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database, creating the documents table if needed
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body JSONB NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_body ON documents USING GIN (body);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// where builds the WHERE clause for a filtered, access-scoped read
type where struct {
	clauses []string
	args    []interface{}
}

func newWhere(collection string) *where {
	return &where{clauses: []string{"collection = $1"}, args: []interface{}{collection}}
}

func (w *where) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) add(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) filter(f docstore.Filter) error {
	for _, k := range f.Keys() {
		switch v := f[k].(type) {
		case string:
			if k == docstore.IDField {
				w.add("id = " + w.arg(v))
			} else {
				w.add(fmt.Sprintf("(body -> %s) ? %s", w.arg(k), w.arg(v)))
			}
		case docstore.In:
			if k == docstore.IDField {
				w.add(fmt.Sprintf("id = ANY(%s::text[])", w.arg(pq.Array([]string(v)))))
			} else {
				w.add(fmt.Sprintf("(body -> %s) ?| %s::text[]", w.arg(k), w.arg(pq.Array([]string(v)))))
			}
		default:
			return errdefs.InvalidRequest("docstore.filter", fmt.Sprintf("unsupported filter value for %s", k))
		}
	}
	return nil
}

func (w *where) readable(o docstore.Options) {
	if o.Unrestricted() {
		return
	}
	groups := w.arg(pq.Array(o.Groups()))
	w.add(fmt.Sprintf("((body -> 'owner_groups') ?| %s::text[] OR (body -> 'access_groups') ?| %s::text[])", groups, groups))
}

func (w *where) writable(o docstore.Options) {
	if o.Unrestricted() {
		return
	}
	w.add(fmt.Sprintf("(body -> 'owner_groups') ?| %s::text[]", w.arg(pq.Array(o.Groups()))))
}

func (w *where) String() string {
	return strings.Join(w.clauses, " AND ")
}

func (s *Store) query(ctx context.Context, collection string, filter docstore.Filter, o docstore.Options, limit int) ([]json.RawMessage, error) {
	w := newWhere(collection)
	if err := w.filter(filter); err != nil {
		return nil, err
	}
	w.readable(o)

	q := "SELECT body FROM documents WHERE " + w.String() + " ORDER BY id"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, errdefs.Unavailable("docstore.find", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Unavailable("docstore.find", err)
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter docstore.Filter, out interface{}, opts ...docstore.Option) error {
	docs, err := s.query(ctx, collection, filter, docstore.Apply(opts), 1)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return errdefs.NotFound("docstore.find_one", fmt.Sprintf("no %s document matches", collection))
	}
	if err := json.Unmarshal(docs[0], out); err != nil {
		return fmt.Errorf("failed to decode %s document: %w", collection, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, out interface{}, opts ...docstore.Option) error {
	docs, err := s.query(ctx, collection, filter, docstore.Apply(opts), 0)
	if err != nil {
		return err
	}
	arr := append([]byte("["), bytes.Join(rawBytes(docs), []byte(","))...)
	arr = append(arr, ']')
	if err := json.Unmarshal(arr, out); err != nil {
		return fmt.Errorf("failed to decode %s documents: %w", collection, err)
	}
	return nil
}

func rawBytes(docs []json.RawMessage) [][]byte {
	out := make([][]byte, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

func (s *Store) Insert(ctx context.Context, collection string, doc interface{}, opts ...docstore.Option) error {
	m, id, err := docstore.ToDocument(doc)
	if err != nil {
		return err
	}
	if !docstore.Apply(opts).CanWrite(m) {
		return errdefs.Forbidden("docstore.insert", "user cannot create this document")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, "INSERT INTO documents (collection, id, body) VALUES ($1, $2, $3)", collection, id, body)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errdefs.InvalidRequest("docstore.insert", fmt.Sprintf("%s document %s already exists", collection, id))
		}
		return errdefs.Unavailable("docstore.insert", err)
	}
	return nil
}

func (s *Store) Patch(ctx context.Context, collection, id string, fields map[string]interface{}, opts ...docstore.Option) error {
	patch := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k != docstore.IDField {
			patch[k] = v
		}
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}

	w := newWhere(collection)
	w.add("id = " + w.arg(id))
	w.writable(docstore.Apply(opts))
	set := w.arg(body)

	res, err := s.db.ExecContext(ctx, "UPDATE documents SET body = body || "+set+"::jsonb WHERE "+w.String(), w.args...)
	if err != nil {
		return errdefs.Unavailable("docstore.patch", err)
	}
	return expectOne(res, "docstore.patch", collection, id)
}

func (s *Store) Delete(ctx context.Context, collection, id string, opts ...docstore.Option) error {
	w := newWhere(collection)
	w.add("id = " + w.arg(id))
	w.writable(docstore.Apply(opts))

	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE "+w.String(), w.args...)
	if err != nil {
		return errdefs.Unavailable("docstore.delete", err)
	}
	return expectOne(res, "docstore.delete", collection, id)
}

func expectOne(res sql.Result, op, collection, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return errdefs.NotFound(op, fmt.Sprintf("%s document %s not found", collection, id))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
