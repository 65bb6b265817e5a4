package limiter

import (
	"sort"
	"sync"
)

// RegistryEntry is descriptive metadata about a limiter that has checked
// in during this process's lifetime.
type RegistryEntry struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	MountPath string `json:"mountPath,omitempty"`
}

// Registry is the in-process limiter registry. It is rebuilt from
// scratch every process start as limiters register themselves lazily; it
// is descriptive only and never authoritative for enablement or limits —
// the configuration document is. The registry is injected into the
// engine rather than living as a package singleton so its lifecycle
// stays visible.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]RegistryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]RegistryEntry)}
}

// Register records or updates a limiter's metadata. An empty label
// defaults to the ID.
func (r *Registry) Register(e RegistryEntry) {
	if e.ID == "" {
		return
	}
	if e.Label == "" {
		e.Label = e.ID
	}
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
}

// Snapshot returns the registered limiters sorted by ID.
func (r *Registry) Snapshot() []RegistryEntry {
	r.mu.RLock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
