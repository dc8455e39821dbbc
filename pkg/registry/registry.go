// Package registry provides the catalogue of sandbox types. A Registry
// maps a type identifier to its factory and immutable metadata.
//
// Registration is confined to process initialization; afterwards the
// registry is effectively read-only and safe for arbitrary concurrent
// lookups. The registry is an owned value threaded through the manager,
// not package-global state, so tests can build isolated instances.
package registry

import (
	"log/slog"
	"sync"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
)

// entry pairs a factory with its metadata.
type entry struct {
	factory sandbox.Factory
	meta    api.SandboxType
}

// Registry is the catalogue of registered sandbox types.
type Registry struct {
	mu sync.RWMutex

	// order preserves registration order for Types().
	order   []string
	entries map[string]entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

// Register binds a type id to a factory and metadata. A second
// registration of the same id fails with a duplicate_registration
// error; the first binding is kept.
func (r *Registry) Register(meta api.SandboxType, factory sandbox.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[meta.TypeID]; ok {
		return api.NewDuplicateRegistrationError(meta.TypeID)
	}

	r.entries[meta.TypeID] = entry{factory: factory, meta: meta}
	r.order = append(r.order, meta.TypeID)

	slog.Info("registered sandbox type",
		"type", meta.TypeID,
		"image", meta.Image,
		"security_level", meta.SecurityLevel,
		"timeout", meta.DefaultTimeout,
	)
	return nil
}

// Resolve returns the factory and metadata for a type id, or an
// unknown_sandbox_type error when the id was never registered.
func (r *Registry) Resolve(typeID string) (sandbox.Factory, api.SandboxType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[typeID]
	if !ok {
		return nil, api.SandboxType{}, api.NewUnknownSandboxTypeError(typeID)
	}
	return e.factory, e.meta, nil
}

// Types returns the metadata of every registered type in registration
// order. The returned slice is a copy; callers may range over it any
// number of times without holding registry locks.
func (r *Registry) Types() []api.SandboxType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.SandboxType, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].meta)
	}
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
