package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
)

var ErrAdapterNotFound = errors.New("adapter not found")

// Registry maps adapter names to implementations.
type Registry struct {
	adapters map[string]core.Adapter
	mu       sync.RWMutex
}

var _ core.AdapterRegistry = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]core.Adapter),
	}
}

func (r *Registry) Register(adapter core.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("adapter has no name")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}

	r.adapters[name] = adapter
	return nil
}

func (r *Registry) Get(name string) (core.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}

	return adapter, nil
}

// List returns registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
