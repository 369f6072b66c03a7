package port

import (
	"fmt"
	"sync"
)

// Registry is the process-wide owner of one Port per physical serial port:
// an injected, mutex-guarded map with documented Open/Get/Close rather than a
// package-level singleton, so tests can substitute their own.
type Registry struct {
	mu    sync.RWMutex
	ports map[string]*Port
}

// NewRegistry returns an empty registry. Callers inject this (rather than
// reach for a package-level var) so tests can substitute a fake.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[string]*Port)}
}

// Open opens (or returns the already-open) Port for cfg.Name.
func (r *Registry) Open(cfg Config) (*Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.ports[cfg.Name]; ok {
		return p, nil
	}
	p, err := Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open port %q: %w", cfg.Name, err)
	}
	r.ports[cfg.Name] = p
	return p, nil
}

// Get returns the Port previously opened for name, if any.
func (r *Registry) Get(name string) (*Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[name]
	return p, ok
}

// Close closes and forgets the port named name.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	p, ok := r.ports[name]
	delete(r.ports, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

// Names returns every currently registered port name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ports))
	for name := range r.ports {
		out = append(out, name)
	}
	return out
}

// CloseAll tears down every port in the registry. Intended for process
// shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ports := r.ports
	r.ports = make(map[string]*Port)
	r.mu.Unlock()
	for _, p := range ports {
		_ = p.Close()
	}
}
