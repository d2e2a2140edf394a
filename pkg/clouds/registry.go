package clouds

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps cloud names to their plugins. Plugins are registered once at
// startup from configuration; lookups happen on every connector call.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register binds a plugin to a cloud name.
func (r *Registry) Register(cloudName string, plugin Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[cloudName]; exists {
		return fmt.Errorf("cloud %s already registered", cloudName)
	}
	r.plugins[cloudName] = plugin
	return nil
}

// Get resolves the plugin serving the given cloud.
func (r *Registry) Get(cloudName string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugin, ok := r.plugins[cloudName]
	if !ok {
		return nil, fmt.Errorf("no plugin registered for cloud %s", cloudName)
	}
	return plugin, nil
}

// Names lists the configured cloud names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
