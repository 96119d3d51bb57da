package adapter

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
)

// Factory builds one adapter instance.
type Factory func() (Adapter, error)

// Resolver maps adapter names to singleton instances. Families holding
// shared transports (the SSE demux, spawned app-servers) must be resolved
// through here so every session shares one instance.
type Resolver struct {
	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Adapter
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		factories: make(map[string]Factory),
		cache:     make(map[string]Adapter),
	}
}

// Register adds a factory under name, replacing any previous registration.
func (r *Resolver) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered adapter names.
func (r *Resolver) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// Resolve returns the cached instance for name, building it on first use.
func (r *Resolver) Resolve(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache[name]; ok {
		return a, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, gateerr.Newf(gateerr.KindNoAdapter, "unknown adapter %q", name)
	}
	a, err := f()
	if err != nil {
		return nil, err
	}
	r.cache[name] = a
	return a, nil
}

// StopAll stops every cached adapter that implements Stopper and clears the
// cache.
func (r *Resolver) StopAll() {
	r.mu.Lock()
	cached := make([]Adapter, 0, len(r.cache))
	for _, a := range r.cache {
		cached = append(cached, a)
	}
	r.cache = make(map[string]Adapter)
	r.mu.Unlock()

	for _, a := range cached {
		if s, ok := a.(Stopper); ok {
			if err := s.Stop(); err != nil {
				slog.Warn("adapter stop failed", "adapter", a.Name(), "error", err)
			}
		}
	}
}
