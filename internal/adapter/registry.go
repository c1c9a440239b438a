package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the configured adapter instances, keyed by platform name.
// Adapters are resolved once at job creation and never inspected downstream.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	name := normalizePlatform(a.Name())
	if name == "" {
		return fmt.Errorf("register adapter: empty platform name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("register adapter: %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

func (r *Registry) Lookup(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalizePlatform(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, nil
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizePlatform(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
