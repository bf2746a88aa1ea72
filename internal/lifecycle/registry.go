package lifecycle

import (
	"sync"

	"github.com/tolvanen/warden/pkg/models"
)

// Registry is the single owned collection of live instances. It is
// injected into the router and monitor rather than living as package
// state, so tests can build isolated worlds.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Add registers an instance.
func (r *Registry) Add(i *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[i.ID] = i
}

// Remove deletes an instance by ID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
}

// Get returns the instance with the given ID, or nil.
func (r *Registry) Get(id string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[id]
}

// All returns a snapshot of every live instance.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, i := range r.instances {
		out = append(out, i)
	}
	return out
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// CountByCategory returns live instance counts keyed by category.
func (r *Registry) CountByCategory() map[models.Category]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.Category]int)
	for _, i := range r.instances {
		out[i.Descriptor.Category]++
	}
	return out
}

// FindPersistent returns the live persistent instance spawned from the
// named descriptor, or nil. Persistent identity matters to callers, so
// there is at most one instance per persistent descriptor.
func (r *Registry) FindPersistent(descriptorName string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, i := range r.instances {
		if i.Descriptor.Category == models.CategoryPersistent && i.Descriptor.Name == descriptorName {
			return i
		}
	}
	return nil
}

// ByDescriptor returns live instances spawned from the named descriptor.
func (r *Registry) ByDescriptor(descriptorName string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for _, i := range r.instances {
		if i.Descriptor.Name == descriptorName {
			out = append(out, i)
		}
	}
	return out
}
