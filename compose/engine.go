package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/hydraqueue/internal/keypath"
)

const selfEntry = "_self_"

// Engine composes configs rooted at one directory.
type Engine struct {
	dir         string
	versionBase string
	registry    *Registry
	strict      bool
}

type Option func(*Engine)

// WithRegistry replaces the process-global registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithVersionBase sets the compatibility level; "" means the current behavior.
func WithVersionBase(v string) Option {
	return func(e *Engine) {
		e.versionBase = strings.TrimSpace(v)
	}
}

// WithStrict rejects plain `key=value` overrides for keys absent from the tree.
func WithStrict(strict bool) Option {
	return func(e *Engine) {
		e.strict = strict
	}
}

// NewEngine initializes an engine on an absolute config directory.
func NewEngine(dir string, opts ...Option) (*Engine, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("config dir must be absolute: %q", dir)
	}
	e := &Engine{dir: filepath.Clean(dir), registry: defaultRegistry}
	for _, opt := range opts {
		opt(e)
	}
	if _, _, err := parseVersionBase(e.versionBase); err != nil {
		return nil, err
	}
	info, err := os.Stat(e.dir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("config dir %s is not a directory", e.dir)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("stat config dir: %w", err)
	}
	return e, nil
}

// Dir is the absolute config directory.
func (e *Engine) Dir() string {
	return e.dir
}

type defaultEntry struct {
	group  string
	option string
	self   bool
}

// Compose loads config `name`, applies its defaults list and then the overrides.
func (e *Engine) Compose(name string, overrides []string) (*Config, error) {
	parsed := make([]Override, 0, len(overrides))
	for _, raw := range overrides {
		o, err := ParseOverride(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, o)
	}

	primary, err := e.load("", name)
	if err != nil {
		return nil, err
	}
	entries, err := e.defaultsList(primary)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	entries, values, err := e.applyGroupOverrides(entries, parsed)
	if err != nil {
		return nil, err
	}

	tree := map[string]any{}
	for _, entry := range entries {
		var node map[string]any
		switch {
		case entry.self:
			node = primary
		case entry.group == "":
			node, err = e.load("", entry.option)
		default:
			node, err = e.load(entry.group, entry.option)
			node = packageAt(entry.group, node)
		}
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&tree, node, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s: %w", entryName(entry), err)
		}
	}

	for _, o := range values {
		if err := e.applyValue(tree, o); err != nil {
			return nil, err
		}
	}
	return &Config{tree: tree, registry: e.registry}, nil
}

func (e *Engine) load(group, name string) (map[string]any, error) {
	rel := strings.TrimSuffix(name, ".yaml") + ".yaml"
	if group != "" {
		rel = filepath.Join(filepath.FromSlash(group), rel)
	}
	raw, err := os.ReadFile(filepath.Join(e.dir, rel))
	if err == nil {
		var node map[string]any
		if err := yaml.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("parse %s: %w", rel, err)
		}
		if node == nil {
			node = map[string]any{}
		}
		return node, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	if node, ok := e.registry.node(group, name); ok {
		return node, nil
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrConfigNotFound, nodeKey(group, name), e.dir)
}

func (e *Engine) groupExists(group string) bool {
	info, err := os.Stat(filepath.Join(e.dir, filepath.FromSlash(group)))
	if err == nil && info.IsDir() {
		return true
	}
	return e.registry.hasGroup(group)
}

// defaultsList removes the `defaults` key from primary and returns its entries
// with `_self_` placed according to the version base.
func (e *Engine) defaultsList(primary map[string]any) ([]defaultEntry, error) {
	raw, ok := primary["defaults"]
	delete(primary, "defaults")
	var entries []defaultEntry
	hasSelf := false
	if ok && raw != nil {
		items, isList := raw.([]any)
		if !isList {
			return nil, errors.New("defaults must be a list")
		}
		for _, item := range items {
			switch v := item.(type) {
			case string:
				if v == selfEntry {
					if hasSelf {
						return nil, errors.New("duplicate _self_ in defaults")
					}
					hasSelf = true
					entries = append(entries, defaultEntry{self: true})
					continue
				}
				entries = append(entries, defaultEntry{option: v})
			case map[string]any:
				if len(v) != 1 {
					return nil, fmt.Errorf("defaults entry must have exactly one key: %v", v)
				}
				for group, option := range v {
					group = strings.TrimSpace(strings.TrimPrefix(group, "optional "))
					if option == nil {
						continue
					}
					entries = append(entries, defaultEntry{group: group, option: fmt.Sprint(option)})
				}
			default:
				return nil, fmt.Errorf("unsupported defaults entry %v", item)
			}
		}
	}
	if !hasSelf {
		major, minor, _ := parseVersionBase(e.versionBase)
		if e.versionBase != "" && major == 1 && minor < 1 {
			entries = append([]defaultEntry{{self: true}}, entries...)
		} else {
			entries = append(entries, defaultEntry{self: true})
		}
	}
	return entries, nil
}

// applyGroupOverrides consumes overrides that select group options and returns
// the remaining value overrides.
func (e *Engine) applyGroupOverrides(entries []defaultEntry, overrides []Override) ([]defaultEntry, []Override, error) {
	values := make([]Override, 0, len(overrides))
	for _, o := range overrides {
		group := strings.ReplaceAll(o.Key, ".", "/")
		idx := -1
		for i, entry := range entries {
			if !entry.self && entry.group != "" && entry.group == group {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0 && o.Kind == OverrideDelete:
			entries = append(entries[:idx], entries[idx+1:]...)
		case idx >= 0 && o.HasValue:
			if o.Kind == OverrideAdd {
				return nil, nil, &OverrideError{Override: o.Raw, Reason: "group is already in the defaults list"}
			}
			option, ok := o.Value.(string)
			if !ok {
				return nil, nil, &OverrideError{Override: o.Raw, Reason: "group option must be a name"}
			}
			entries[idx].option = option
		case idx < 0 && (o.Kind == OverrideAdd || o.Kind == OverrideForceAdd) && isName(o.Value) && e.groupExists(group):
			entries = insertBeforeSelf(entries, defaultEntry{group: group, option: o.Value.(string)})
		default:
			values = append(values, o)
		}
	}
	return entries, values, nil
}

func (e *Engine) applyValue(tree map[string]any, o Override) error {
	parts := strings.Split(o.Key, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		next, exists := node[part]
		if !exists {
			if o.Kind == OverrideDelete {
				return &OverrideError{Override: o.Raw, Reason: "key not found"}
			}
			if o.Kind == OverrideSet && e.strict {
				return &OverrideError{Override: o.Raw, Reason: fmt.Sprintf("key %s is not in the config, use +%s to add it", o.Key, o.Raw)}
			}
			created := map[string]any{}
			node[part] = created
			node = created
			continue
		}
		m, ok := keypath.AsMap(next)
		if !ok {
			return &OverrideError{Override: o.Raw, Reason: fmt.Sprintf("%s is not a mapping", part)}
		}
		node[part] = m
		node = m
	}

	last := parts[len(parts)-1]
	current, exists := node[last]
	switch o.Kind {
	case OverrideSet:
		if !exists && e.strict {
			return &OverrideError{Override: o.Raw, Reason: fmt.Sprintf("key %s is not in the config, use +%s to add it", o.Key, o.Raw)}
		}
		node[last] = o.Value
	case OverrideAdd:
		if exists {
			return &OverrideError{Override: o.Raw, Reason: fmt.Sprintf("key %s already exists, use ++ to replace it", o.Key)}
		}
		node[last] = o.Value
	case OverrideForceAdd:
		node[last] = o.Value
	case OverrideDelete:
		if !exists {
			return &OverrideError{Override: o.Raw, Reason: "key not found"}
		}
		if o.HasValue && fmt.Sprint(current) != fmt.Sprint(o.Value) {
			return &OverrideError{Override: o.Raw, Reason: fmt.Sprintf("value %v does not match %v", current, o.Value)}
		}
		delete(node, last)
	}
	return nil
}

func packageAt(group string, node map[string]any) map[string]any {
	parts := strings.Split(strings.Trim(group, "/"), "/")
	out := node
	for i := len(parts) - 1; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out
}

func insertBeforeSelf(entries []defaultEntry, entry defaultEntry) []defaultEntry {
	for i, existing := range entries {
		if existing.self && i == len(entries)-1 {
			out := append([]defaultEntry{}, entries[:i]...)
			out = append(out, entry)
			return append(out, existing)
		}
	}
	return append(entries, entry)
}

func entryName(entry defaultEntry) string {
	if entry.self {
		return selfEntry
	}
	return nodeKey(entry.group, entry.option)
}

func isName(v any) bool {
	s, ok := v.(string)
	return ok && s != "" && !strings.ContainsAny(s, "${}")
}

func parseVersionBase(v string) (int, int, error) {
	if v == "" {
		return 0, 0, nil
	}
	majorText, minorText, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(majorText)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid version base %q", v)
	}
	minor := 0
	if minorText != "" {
		minorText, _, _ = strings.Cut(minorText, ".")
		if minor, err = strconv.Atoi(minorText); err != nil {
			return 0, 0, fmt.Errorf("invalid version base %q", v)
		}
	}
	return major, minor, nil
}
