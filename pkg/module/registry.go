package module

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps (capability, name) to adapter factories. Populated at process
// start; resolution happens at graph build, so a missing binding fails fast
// before any task is scheduled.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func registryKey(cap Capability, name string) string {
	return string(cap) + "/" + strings.TrimSpace(name)
}

// Register adds or replaces a factory for the given capability and name.
func (r *Registry) Register(cap Capability, name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey(cap, name)] = factory
}

// New constructs an adapter for the binding, or reports the known providers
// for that capability when the name is unbound.
func (r *Registry) New(cap Capability, name string, cfg map[string]any) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[registryKey(cap, name)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no %s provider named %q (known: %s)", cap, name, strings.Join(r.names(cap), ", "))
	}

	adapter, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct %s/%s: %w", cap, name, err)
	}
	return adapter, nil
}

func (r *Registry) names(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := string(cap) + "/"
	var out []string
	for key := range r.factories {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(out)
	return out
}
