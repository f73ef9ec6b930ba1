package compose

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/animus-labs/hydraqueue/internal/keypath"
)

// Resolver computes the value of a `${name:arg,...}` expression.
type Resolver func(args []string) (any, error)

// Registry holds custom resolvers and config nodes registered from code.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
	nodes     map[string]map[string]any
}

// NewRegistry returns a registry with the built-in resolvers installed.
func NewRegistry() *Registry {
	r := &Registry{
		resolvers: make(map[string]Resolver),
		nodes:     make(map[string]map[string]any),
	}
	r.resolvers["oc.env"] = envResolver
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-global registry.
func Default() *Registry {
	return defaultRegistry
}

// RegisterResolver adds a resolver to the process-global registry.
func RegisterResolver(name string, fn Resolver) error {
	return defaultRegistry.RegisterResolver(name, fn)
}

// MustRegisterResolver is RegisterResolver for package init code.
func MustRegisterResolver(name string, fn Resolver) {
	if err := RegisterResolver(name, fn); err != nil {
		panic(err)
	}
}

// Store registers a config node in the process-global registry.
func Store(group, name string, node map[string]any) {
	defaultRegistry.Store(group, name, node)
}

func (r *Registry) RegisterResolver(name string, fn Resolver) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("resolver name is required")
	}
	if strings.ContainsAny(name, ":,${}") {
		return fmt.Errorf("invalid resolver name %q", name)
	}
	if fn == nil {
		return errors.New("resolver func is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resolvers[name]; ok {
		return fmt.Errorf("%w: %s", ErrResolverExists, name)
	}
	r.resolvers[name] = fn
	return nil
}

// Store registers node as option `name` of `group`; an empty group registers a
// primary config. A later registration under the same key replaces the earlier one.
func (r *Registry) Store(group, name string, node map[string]any) {
	copied, _ := keypath.DeepCopy(node).(map[string]any)
	if copied == nil {
		copied = map[string]any{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeKey(group, name)] = copied
}

func (r *Registry) resolver(name string) (Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.resolvers[name]
	return fn, ok
}

func (r *Registry) node(group, name string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeKey(group, name)]
	if !ok {
		return nil, false
	}
	copied, _ := keypath.DeepCopy(node).(map[string]any)
	return copied, true
}

func (r *Registry) hasGroup(group string) bool {
	prefix := strings.Trim(group, "/") + "/"
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key := range r.nodes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func nodeKey(group, name string) string {
	name = strings.TrimSuffix(name, ".yaml")
	group = strings.Trim(group, "/")
	if group == "" {
		return name
	}
	return path.Join(group, name)
}

func envResolver(args []string) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, errors.New("oc.env takes a variable name and an optional default")
	}
	if v, ok := os.LookupEnv(args[0]); ok {
		return v, nil
	}
	if len(args) == 2 {
		return args[1], nil
	}
	return nil, fmt.Errorf("environment variable %s is not set", args[0])
}
