package compose

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/animus-labs/hydraqueue/internal/keypath"
)

// MissingMarker marks a mandatory value.
const MissingMarker = "???"

// Config is a composed, not yet resolved, configuration tree.
type Config struct {
	tree     map[string]any
	registry *Registry
}

// NewConfig wraps an existing tree, e.g. one received from another process.
func NewConfig(tree map[string]any, registry *Registry) *Config {
	if registry == nil {
		registry = defaultRegistry
	}
	copied, _ := keypath.DeepCopy(tree).(map[string]any)
	if copied == nil {
		copied = map[string]any{}
	}
	return &Config{tree: copied, registry: registry}
}

// ContainerOptions controls ToContainer.
type ContainerOptions struct {
	Resolve        bool
	ThrowOnMissing bool
	EnumToString   bool
}

// ToContainer returns a plain nested copy of the tree.
func (c *Config) ToContainer(opts ContainerOptions) (map[string]any, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	r := c.newResolution(opts)
	out := make(map[string]any, len(c.tree))
	for _, key := range keypath.SortedKeys(c.tree) {
		value, err := r.value(key, c.tree[key])
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// Has reports whether path exists in the unresolved tree.
func (c *Config) Has(path string) bool {
	if c == nil {
		return false
	}
	_, ok := keypath.Get(c.tree, path, keypath.DefaultSeparator)
	return ok
}

// Select resolves the value at path. A missing path yields ok=false.
func (c *Config) Select(path string) (value any, ok bool, err error) {
	if c == nil {
		return nil, false, nil
	}
	raw, found := keypath.Get(c.tree, path, keypath.DefaultSeparator)
	if !found {
		return nil, false, nil
	}
	r := c.newResolution(ContainerOptions{Resolve: true, EnumToString: true})
	value, err = r.value(path, raw)
	if err != nil {
		return nil, true, err
	}
	return value, true, nil
}

func (c *Config) newResolution(opts ContainerOptions) *resolution {
	return &resolution{
		tree:     c.tree,
		registry: c.registry,
		opts:     opts,
		cache:    make(map[string]any),
		visiting: make(map[string]bool),
	}
}

type resolution struct {
	tree     map[string]any
	registry *Registry
	opts     ContainerOptions
	cache    map[string]any
	visiting map[string]bool
}

func (r *resolution) value(path string, v any) (any, error) {
	switch typed := v.(type) {
	case map[string]any, map[any]any:
		m, _ := keypath.AsMap(typed)
		out := make(map[string]any, len(m))
		for _, key := range keypath.SortedKeys(m) {
			resolved, err := r.value(path+"."+key, m[key])
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			resolved, err := r.value(path+"."+strconv.Itoa(i), item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		if typed == MissingMarker {
			if r.opts.ThrowOnMissing {
				return nil, &MissingValueError{Path: path}
			}
			return typed, nil
		}
		if !r.opts.Resolve || !strings.Contains(typed, "${") {
			return unescape(typed), nil
		}
		return r.interpolate(path, typed)
	case fmt.Stringer:
		if r.opts.EnumToString {
			return typed.String(), nil
		}
		return typed, nil
	default:
		return v, nil
	}
}

type segment struct {
	literal string
	expr    string
	isExpr  bool
}

func (r *resolution) interpolate(path, text string) (any, error) {
	segments, err := splitSegments(text)
	if err != nil {
		return nil, &InterpolationError{Path: path, Expression: text, Err: err}
	}
	if len(segments) == 1 && segments[0].isExpr {
		return r.eval(path, segments[0].expr)
	}
	var b strings.Builder
	for _, seg := range segments {
		if !seg.isExpr {
			b.WriteString(seg.literal)
			continue
		}
		value, err := r.eval(path, seg.expr)
		if err != nil {
			return nil, err
		}
		b.WriteString(formatInline(value))
	}
	return b.String(), nil
}

func (r *resolution) eval(path, expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if name, argText, isCall := splitCall(expr); isCall {
		return r.call(path, name, argText)
	}
	ref := absolutePath(path, expr)
	if ref == "" {
		return nil, &InterpolationError{Path: path, Expression: expr, Err: errors.New("empty reference")}
	}
	if cached, ok := r.cache[ref]; ok {
		return cached, nil
	}
	if r.visiting[ref] {
		return nil, &InterpolationError{Path: path, Expression: expr, Err: errors.New("interpolation cycle")}
	}
	raw, ok := keypath.Get(r.tree, ref, keypath.DefaultSeparator)
	if !ok {
		return nil, &InterpolationError{Path: path, Expression: expr, Err: fmt.Errorf("key %s not found", ref)}
	}
	r.visiting[ref] = true
	value, err := r.value(ref, raw)
	delete(r.visiting, ref)
	if err != nil {
		return nil, err
	}
	r.cache[ref] = value
	return value, nil
}

func (r *resolution) call(path, name, argText string) (any, error) {
	rawArgs := splitArgs(argText)
	args := make([]string, 0, len(rawArgs))
	for _, raw := range rawArgs {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "${") {
			value, err := r.interpolate(path, raw)
			if err != nil {
				return nil, err
			}
			args = append(args, formatInline(value))
			continue
		}
		args = append(args, unquote(raw))
	}
	if name == "oc.select" {
		return r.selectCall(path, args)
	}
	fn, ok := r.registry.resolver(name)
	if !ok {
		return nil, &InterpolationError{Path: path, Expression: name, Err: fmt.Errorf("unsupported resolver %s", name)}
	}
	value, err := fn(args)
	if err != nil {
		return nil, &InterpolationError{Path: path, Expression: name + ":" + argText, Err: err}
	}
	return value, nil
}

func (r *resolution) selectCall(path string, args []string) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, &InterpolationError{Path: path, Expression: "oc.select", Err: errors.New("oc.select takes a key and an optional default")}
	}
	ref := absolutePath(path, args[0])
	if _, ok := keypath.Get(r.tree, ref, keypath.DefaultSeparator); !ok {
		if len(args) == 2 {
			return ParseValue(args[1])
		}
		return nil, nil
	}
	return r.eval(path, args[0])
}

// absolutePath turns `.sibling` / `..uncle` references into absolute paths
// relative to the node holding the expression.
func absolutePath(current, ref string) string {
	dots := len(ref) - len(strings.TrimLeft(ref, "."))
	if dots == 0 {
		return ref
	}
	parts := strings.Split(current, ".")
	keep := len(parts) - dots
	if keep < 0 {
		return ""
	}
	rest := ref[dots:]
	if keep == 0 {
		return rest
	}
	base := strings.Join(parts[:keep], ".")
	if rest == "" {
		return base
	}
	return base + "." + rest
}

func splitSegments(text string) ([]segment, error) {
	var segments []segment
	var literal strings.Builder
	for i := 0; i < len(text); {
		if strings.HasPrefix(text[i:], `\${`) {
			literal.WriteString("${")
			i += 3
			continue
		}
		if !strings.HasPrefix(text[i:], "${") {
			literal.WriteByte(text[i])
			i++
			continue
		}
		end := matchBrace(text, i+2)
		if end < 0 {
			return nil, errors.New("unterminated interpolation")
		}
		if literal.Len() > 0 {
			segments = append(segments, segment{literal: literal.String()})
			literal.Reset()
		}
		segments = append(segments, segment{expr: text[i+2 : end], isExpr: true})
		i = end + 1
	}
	if literal.Len() > 0 {
		segments = append(segments, segment{literal: literal.String()})
	}
	return segments, nil
}

// matchBrace returns the index of the `}` closing an expression whose body
// starts at start.
func matchBrace(text string, start int) int {
	depth := 1
	for j := start; j < len(text); j++ {
		switch {
		case strings.HasPrefix(text[j:], "${"):
			depth++
			j++
		case text[j] == '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func splitCall(expr string) (string, string, bool) {
	depth := 0
	for i := 0; i < len(expr); i++ {
		switch {
		case strings.HasPrefix(expr[i:], "${"):
			depth++
			i++
		case expr[i] == '}':
			depth--
		case expr[i] == ':' && depth == 0:
			return strings.TrimSpace(expr[:i]), expr[i+1:], true
		}
	}
	return "", "", false
}

func splitArgs(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var args []string
	depth := 0
	start := 0
	for i := 0; i < len(text); i++ {
		switch {
		case strings.HasPrefix(text[i:], "${"):
			depth++
			i++
		case text[i] == '}':
			depth--
		case text[i] == ',' && depth == 0:
			args = append(args, text[start:i])
			start = i + 1
		}
	}
	return append(args, text[start:])
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\${`, "${")
}

func formatInline(v any) string {
	switch typed := v.(type) {
	case nil:
		return "None"
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	default:
		return fmt.Sprint(typed)
	}
}
