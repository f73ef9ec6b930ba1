// Package docstore is the document collection surface run records live in.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"

	"github.com/animus-labs/hydraqueue/internal/keypath"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrDuplicateID = errors.New("duplicate document _id")
)

// Document is one nested record.
type Document = map[string]any

// Filter matches documents whose value at each dotted path equals the given value.
type Filter map[string]any

type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	FindOne(ctx context.Context, filter Filter) (Document, error)
	// UpdateOne applies `$set` semantics: every dotted key of set is written,
	// intermediate mappings are created as needed.
	UpdateOne(ctx context.Context, filter Filter, set map[string]any) (UpdateResult, error)
	InsertMany(ctx context.Context, docs []Document) error
	CreateIndex(ctx context.Context, field string) error
	// MaxValue returns the largest numeric value of field; ok is false for an
	// empty collection.
	MaxValue(ctx context.Context, field string) (value int64, ok bool, err error)
}

// Store hands out collections by name.
type Store interface {
	Collection(ctx context.Context, name string) (Collection, error)
}

// ApplySet writes set into doc and reports whether anything changed.
func ApplySet(doc Document, set map[string]any) (bool, error) {
	changed := false
	for _, key := range keypath.SortedKeys(set) {
		parts := strings.Split(key, keypath.DefaultSeparator)
		node := doc
		for _, part := range parts[:len(parts)-1] {
			next, exists := node[part]
			if !exists || next == nil {
				created := map[string]any{}
				node[part] = created
				node = created
				changed = true
				continue
			}
			m, ok := keypath.AsMap(next)
			if !ok {
				return changed, fmt.Errorf("set %s: %s is not a mapping", key, part)
			}
			node[part] = m
			node = m
		}
		last := parts[len(parts)-1]
		value := keypath.DeepCopy(set[key])
		if current, exists := node[last]; !exists || !Equal(current, value) {
			changed = true
		}
		node[last] = value
	}
	return changed, nil
}

// Match reports whether doc satisfies filter.
func Match(doc Document, filter Filter) bool {
	for key, want := range filter {
		got, ok := keypath.Get(doc, key, keypath.DefaultSeparator)
		if !ok || !Equal(got, want) {
			return false
		}
	}
	return true
}

// Equal compares document values, treating numbers of different Go types as
// equal when they denote the same value.
func Equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	if ma, ok := keypath.AsMap(a); ok {
		mb, ok := keypath.AsMap(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, exists := mb[k]
			if !exists || !Equal(va, vb) {
				return false
			}
		}
		return true
	}
	if sa, ok := a.([]any); ok {
		sb, ok := b.([]any)
		if !ok || len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !Equal(sa[i], sb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// number converts numeric document values to float64.
func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f, !math.IsNaN(f)
	default:
		return 0, false
	}
}

// Int64 reads an integral document value.
func Int64(v any) (int64, bool) {
	f, ok := number(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// LogUpdateResult reports update results that did not touch exactly one
// document. It never fails the caller.
func LogUpdateResult(logger *slog.Logger, res UpdateResult, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]any{"matched", res.MatchedCount, "modified", res.ModifiedCount}, attrs...)
	switch {
	case res.MatchedCount == 0:
		logger.Error("no run record matched the update", args...)
	case res.ModifiedCount > 1:
		logger.Error("update modified more than one run record", args...)
	case res.MatchedCount != res.ModifiedCount:
		logger.Warn("run record matched but not modified", args...)
	}
}
