package export

import (
	"sort"
	"sync"
)

// Registry tracks manifests of completed exports so the dataset endpoints
// can serve them. Entries are keyed by export id and scoped to a tenant.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	tenantID string
	manifest *Manifest
	slices   map[string]*Manifest
}

// NewRegistry returns an empty manifest registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Add registers a manifest under its export id.
func (r *Registry) Add(tenantID string, m *Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[m.ExportID] = registryEntry{tenantID: tenantID, manifest: m}
}

// Get returns the manifest for the export id, scoped to the tenant.
func (r *Registry) Get(tenantID, exportID string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[exportID]
	if !ok || e.tenantID != tenantID {
		return nil, false
	}
	return e.manifest, true
}

// AddSlice registers a named slice under an existing dataset. A slice is
// the manifest of a filtered export run (for example one labeler's rows)
// derived from the parent dataset. Unknown parents are ignored.
func (r *Registry) AddSlice(tenantID, exportID, name string, m *Manifest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[exportID]
	if !ok || e.tenantID != tenantID {
		return false
	}
	if e.slices == nil {
		e.slices = make(map[string]*Manifest)
		r.entries[exportID] = e
	}
	e.slices[name] = m
	return true
}

// Slice returns the named slice of the dataset, scoped to the tenant.
func (r *Registry) Slice(tenantID, exportID, name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[exportID]
	if !ok || e.tenantID != tenantID {
		return nil, false
	}
	m, ok := e.slices[name]
	return m, ok
}

// List returns the tenant's manifests sorted by export time, newest first.
func (r *Registry) List(tenantID string) []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Manifest
	for _, e := range r.entries {
		if e.tenantID == tenantID {
			out = append(out, e.manifest)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExportedAt.After(out[j].ExportedAt)
	})
	return out
}
