package overrides

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/animus-labs/hydraqueue/compose"
	"github.com/animus-labs/hydraqueue/internal/keypath"
)

// DefaultGroupPrefix marks flat keys that carry group-level arguments.
const DefaultGroupPrefix = "hydra_group"

// Translator turns nested configurations into override strings.
type Translator struct {
	GroupPrefix string
	Separator   string
}

// New returns a Translator with the default group prefix and separator.
func New() Translator {
	return Translator{GroupPrefix: DefaultGroupPrefix, Separator: keypath.DefaultSeparator}
}

// ConfigToOverrides flattens config into `key=value` overrides in key order.
// Keys containing the group prefix segment are returned separately, with the
// segment stripped and unflattened, and never appear in the override list.
func (t Translator) ConfigToOverrides(config map[string]any) ([]string, map[string]any, error) {
	sep := t.Separator
	if sep == "" {
		sep = keypath.DefaultSeparator
	}
	prefix := t.GroupPrefix
	if prefix == "" {
		prefix = DefaultGroupPrefix
	}

	flat := keypath.FlattenSep(config, sep)
	out := make([]string, 0, len(flat))
	groups := make(map[string]any)
	for _, key := range keypath.SortedKeys(flat) {
		value := flat[key]
		if stripped, ok := stripSegment(key, prefix, sep); ok {
			groups[stripped] = value
			continue
		}
		if sep != keypath.DefaultSeparator {
			key = strings.ReplaceAll(key, sep, keypath.DefaultSeparator)
		}
		formatted, err := FormatValue(value)
		if err != nil {
			return nil, nil, fmt.Errorf("override %s: %w", key, err)
		}
		out = append(out, key+"="+formatted)
	}
	nested, err := keypath.UnflattenSep(groups, sep)
	if err != nil {
		return nil, nil, fmt.Errorf("group overrides: %w", err)
	}
	return out, nested, nil
}

func stripSegment(key, segment, sep string) (string, bool) {
	parts := strings.Split(key, sep)
	kept := parts[:0:0]
	found := false
	for _, part := range parts {
		if part == segment && !found {
			found = true
			continue
		}
		kept = append(kept, part)
	}
	if !found || len(kept) == 0 {
		return "", false
	}
	return strings.Join(kept, sep), true
}

// FlatKey returns the key an override addresses, without its prefix and value.
func FlatKey(override string) string {
	key, _, _ := strings.Cut(strings.TrimSpace(override), "=")
	return strings.TrimLeft(key, "+~")
}

// FlatKeys maps FlatKey over overrides.
func FlatKeys(overrides []string) []string {
	out := make([]string, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, FlatKey(o))
	}
	return out
}

// FormatValue renders v so that the override grammar parses it back to the
// same value.
func FormatValue(v any) (string, error) {
	switch typed := v.(type) {
	case string:
		if parsed, err := compose.ParseValue(typed); err == nil && parsed == any(typed) {
			return typed, nil
		}
		quoted, err := json.Marshal(typed)
		if err != nil {
			return "", err
		}
		return string(quoted), nil
	case []any, map[string]any, map[any]any:
		return formatFlow(typed)
	default:
		return formatScalar(v)
	}
}

func formatScalar(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	switch typed := v.(type) {
	case bool:
		return strconv.FormatBool(typed), nil
	case float32:
		return formatFloat(float64(typed)), nil
	case float64:
		return formatFloat(typed), nil
	case fmt.Stringer:
		return FormatValue(typed.String())
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.String:
		return FormatValue(rv.String())
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return formatFlow(items)
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// formatFlow writes sequences and mappings in YAML flow style with every
// string double-quoted.
func formatFlow(v any) (string, error) {
	var b strings.Builder
	if err := writeFlow(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeFlow(b *strings.Builder, v any) error {
	if m, ok := keypath.AsMap(v); ok {
		b.WriteByte('{')
		for i, key := range keypath.SortedKeys(m) {
			if i > 0 {
				b.WriteString(", ")
			}
			quoted, _ := json.Marshal(key)
			b.Write(quoted)
			b.WriteString(": ")
			if err := writeFlow(b, m[key]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	}
	switch typed := v.(type) {
	case []any:
		b.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeFlow(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case string:
		quoted, err := json.Marshal(typed)
		if err != nil {
			return err
		}
		b.Write(quoted)
		return nil
	}
	text, err := formatScalar(v)
	if err != nil {
		return err
	}
	b.WriteString(text)
	return nil
}
