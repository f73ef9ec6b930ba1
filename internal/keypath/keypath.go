// Package keypath converts between nested configuration mappings and flat
// mappings keyed by separator-joined paths.
package keypath

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultSeparator joins path segments.
const DefaultSeparator = "."

// ConflictError reports a path that would have to be both a leaf and a container.
type ConflictError struct {
	Key   string
	Other string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting keys %q and %q: a path cannot be both a value and a mapping", e.Key, e.Other)
}

// Flatten flattens nested with DefaultSeparator.
func Flatten(nested map[string]any) map[string]any {
	return FlattenSep(nested, DefaultSeparator)
}

// FlattenSep descends into mappings only. Sequences and scalars are leaves, and so
// is an empty mapping, which keeps Unflatten(Flatten(c)) equal to c.
func FlattenSep(nested map[string]any, sep string) map[string]any {
	out := make(map[string]any, len(nested))
	flattenInto(out, "", nested, sep)
	return out
}

func flattenInto(out map[string]any, prefix string, nested map[string]any, sep string) {
	for key, value := range nested {
		path := key
		if prefix != "" {
			path = prefix + sep + key
		}
		child, ok := AsMap(value)
		if !ok || len(child) == 0 {
			out[path] = value
			continue
		}
		flattenInto(out, path, child, sep)
	}
}

// Unflatten rebuilds the nested form of flat using DefaultSeparator.
func Unflatten(flat map[string]any) (map[string]any, error) {
	return UnflattenSep(flat, DefaultSeparator)
}

// UnflattenSep splits every key on sep and merges the resulting mappings. Keys are
// visited in sorted order so conflicts are reported deterministically.
func UnflattenSep(flat map[string]any, sep string) (map[string]any, error) {
	out := make(map[string]any, len(flat))
	leaves := make(map[string]struct{}, len(flat))
	creators := make(map[string]string)
	for _, key := range SortedKeys(flat) {
		parts := strings.Split(key, sep)
		node := out
		for i, part := range parts[:len(parts)-1] {
			prefix := strings.Join(parts[:i+1], sep)
			if _, leaf := leaves[prefix]; leaf {
				return nil, &ConflictError{Key: key, Other: prefix}
			}
			next, ok := node[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[part] = next
				creators[prefix] = key
			}
			node = next
		}
		if _, exists := node[parts[len(parts)-1]]; exists {
			return nil, &ConflictError{Key: key, Other: creators[key]}
		}
		node[parts[len(parts)-1]] = flat[key]
		leaves[key] = struct{}{}
	}
	return out, nil
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsMap reports whether value is a string-keyed mapping, converting the
// map[any]any shape some decoders produce.
func AsMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// Get looks up a separator-joined path in nested.
func Get(nested map[string]any, path, sep string) (any, bool) {
	var current any = nested
	for _, part := range strings.Split(path, sep) {
		m, ok := AsMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// DeepCopy copies mappings and sequences recursively; scalars are shared.
func DeepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = DeepCopy(item)
		}
		return out
	case map[any]any:
		m, _ := AsMap(v)
		return DeepCopy(m)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = DeepCopy(item)
		}
		return out
	default:
		return value
	}
}
