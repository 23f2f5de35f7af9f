package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound reports a policy/env pair with no registered adapter.
type ErrNotFound struct {
	Policy    string
	Env       string
	Available []string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no adapter registered for %s:%s (available: %s)",
		e.Policy, e.Env, strings.Join(e.Available, ", "))
}

// Constructor builds a fresh adapter instance. Adapters with per-episode
// state rely on this to stay isolated between runs.
type Constructor func() Adapter

// Registry maps "policy:env" keys to adapter constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

func key(policy, env string) string {
	return policy + ":" + env
}

// Register installs a constructor for the given pair, replacing any
// previous registration.
func (r *Registry) Register(policy, env string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[key(policy, env)] = c
}

// Get returns a new adapter for the pair. Versioned names are retried with
// the version suffix stripped, so "openvla:7b" matches an "openvla"
// registration.
func (r *Registry) Get(policy, env string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.constructors[key(policy, env)]; ok {
		return c(), nil
	}

	base := policy
	if i := strings.Index(policy, ":"); i >= 0 {
		base = policy[:i]
	}
	if c, ok := r.constructors[key(base, env)]; ok {
		return c(), nil
	}

	return nil, &ErrNotFound{Policy: policy, Env: env, Available: r.keysLocked()}
}

// List returns all registered pairs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keysLocked()
}

func (r *Registry) keysLocked() []string {
	keys := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Default is the process-wide registry with every built-in adapter
// installed.
func Default() *Registry {
	r := NewRegistry()
	r.Register("openvla", "libero", func() Adapter { return newOpenVLALibero() })
	r.Register("openpi", "libero", func() Adapter { return newOpenPILibero() })
	r.Register("openpi", "bridge", func() Adapter { return newOpenPIBridge() })
	r.Register("openpi", "fractal", func() Adapter { return newOpenPIFractal() })
	r.Register("openpi", "alohasim", func() Adapter { return newOpenPIAlohaSim() })
	r.Register("gr00tn15", "libero", func() Adapter { return newGR00TLibero() })
	r.Register("gr00tn15", "bridge", func() Adapter { return newGR00TBridge() })
	return r
}
