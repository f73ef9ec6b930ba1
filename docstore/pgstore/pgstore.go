// Package pgstore keeps document collections as JSONB rows in Postgres.
package pgstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/internal/keypath"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const (
	createTableQuery = `CREATE TABLE IF NOT EXISTS %s (
		id BIGINT PRIMARY KEY,
		doc JSONB NOT NULL
	)`
	findOneQuery   = `SELECT doc FROM %s%s ORDER BY id LIMIT 1`
	lockOneQuery   = `SELECT id, doc FROM %s%s ORDER BY id LIMIT 1 FOR UPDATE`
	updateDocQuery = `UPDATE %s SET doc = $1::jsonb WHERE id = $2`
	insertDocQuery = `INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb)`
	maxValueQuery  = `SELECT MAX((doc #>> $1::text[])::numeric)::bigint FROM %s WHERE jsonb_typeof(doc #> $1::text[]) = 'number'`
	createIdxQuery = `CREATE INDEX IF NOT EXISTS %s ON %s ((doc #> %s))`
)

type Store struct {
	db DB
}

func New(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// Collection returns the collection backed by the table of the same name,
// creating the table if needed.
func (s *Store) Collection(ctx context.Context, name string) (docstore.Collection, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("pg store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("collection name is required")
	}
	c := &Collection{db: s.db, name: name, table: pgx.Identifier{name}.Sanitize()}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(createTableQuery, c.table)); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return c, nil
}

type Collection struct {
	db    DB
	name  string
	table string
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Document, error) {
	where, args, err := whereClause(filter, 1)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = c.db.QueryRowContext(ctx, fmt.Sprintf(findOneQuery, c.table, where), args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	return decodeDoc(raw)
}

func (c *Collection) UpdateOne(ctx context.Context, filter docstore.Filter, set map[string]any) (docstore.UpdateResult, error) {
	where, args, err := whereClause(filter, 1)
	if err != nil {
		return docstore.UpdateResult{}, err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return docstore.UpdateResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id  int64
		raw []byte
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(lockOneQuery, c.table, where), args...).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.UpdateResult{}, nil
	}
	if err != nil {
		return docstore.UpdateResult{}, fmt.Errorf("select for update in %s: %w", c.name, err)
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return docstore.UpdateResult{MatchedCount: 1}, err
	}
	changed, err := docstore.ApplySet(doc, set)
	if err != nil {
		return docstore.UpdateResult{MatchedCount: 1}, err
	}
	if !changed {
		return docstore.UpdateResult{MatchedCount: 1}, nil
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return docstore.UpdateResult{MatchedCount: 1}, fmt.Errorf("encode document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(updateDocQuery, c.table), string(encoded), id); err != nil {
		return docstore.UpdateResult{MatchedCount: 1}, fmt.Errorf("update in %s: %w", c.name, err)
	}
	if err := tx.Commit(); err != nil {
		return docstore.UpdateResult{MatchedCount: 1}, fmt.Errorf("commit: %w", err)
	}
	return docstore.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *Collection) InsertMany(ctx context.Context, docs []docstore.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(insertDocQuery, c.table)
	for i, doc := range docs {
		id, ok := docstore.Int64(doc["_id"])
		if !ok {
			return fmt.Errorf("document %d: integer _id is required", i)
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode document %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, query, id, string(encoded)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: document %d has _id %d", docstore.ErrDuplicateID, i, id)
			}
			return fmt.Errorf("insert into %s: %w", c.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *Collection) CreateIndex(ctx context.Context, field string) error {
	query, err := indexStatement(c.name, field)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create index on %s.%s: %w", c.name, field, err)
	}
	return nil
}

func (c *Collection) MaxValue(ctx context.Context, field string) (int64, bool, error) {
	path, err := textArray(field)
	if err != nil {
		return 0, false, err
	}
	var out sql.NullInt64
	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(maxValueQuery, c.table), path).Scan(&out); err != nil {
		return 0, false, fmt.Errorf("max %s in %s: %w", field, c.name, err)
	}
	return out.Int64, out.Valid, nil
}

// whereClause renders an equality test per filter key, numbering placeholders
// from first.
func whereClause(filter docstore.Filter, first int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(filter))
	args := make([]any, 0, 2*len(filter))
	n := first
	for _, key := range keypath.SortedKeys(filter) {
		path, err := textArray(key)
		if err != nil {
			return "", nil, err
		}
		value, err := json.Marshal(filter[key])
		if err != nil {
			return "", nil, fmt.Errorf("encode filter %s: %w", key, err)
		}
		conds = append(conds, fmt.Sprintf("doc #> $%d::text[] = $%d::jsonb", n, n+1))
		args = append(args, path, string(value))
		n += 2
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// textArray renders a dotted field as a Postgres text[] literal.
func textArray(field string) (string, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return "", errors.New("field is required")
	}
	parts := strings.Split(field, keypath.DefaultSeparator)
	quoted := make([]string, len(parts))
	for i, part := range parts {
		if part == "" {
			return "", fmt.Errorf("invalid field %q", field)
		}
		part = strings.ReplaceAll(part, `\`, `\\`)
		part = strings.ReplaceAll(part, `"`, `\"`)
		quoted[i] = `"` + part + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}", nil
}

func indexStatement(collection, field string) (string, error) {
	path, err := textArray(field)
	if err != nil {
		return "", err
	}
	name := collection + "_" + strings.ReplaceAll(field, ".", "_") + "_idx"
	if len(name) > 63 {
		name = name[:63]
	}
	literal := "'" + strings.ReplaceAll(path, "'", "''") + "'"
	return fmt.Sprintf(createIdxQuery, pgx.Identifier{name}.Sanitize(), pgx.Identifier{collection}.Sanitize(), literal), nil
}

// decodeDoc keeps integral JSON numbers as int64.
func decodeDoc(raw []byte) (docstore.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return numbers(doc).(map[string]any), nil
}

func numbers(v any) any {
	switch typed := v.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		f, _ := typed.Float64()
		return f
	case map[string]any:
		for k, item := range typed {
			typed[k] = numbers(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = numbers(item)
		}
		return typed
	default:
		return v
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
