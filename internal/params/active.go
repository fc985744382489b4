package params

import (
	"fmt"
	"sync"
)

// ActiveSet holds the parameters currently live for each category. It is
// what executions actually run with and what the action loop mutates and
// rolls back.
type ActiveSet struct {
	registry *Registry

	mu     sync.RWMutex
	active map[string]Vector
}

// NewActiveSet creates an ActiveSet seeded lazily from the registry's
// per-category defaults.
func NewActiveSet(registry *Registry) *ActiveSet {
	return &ActiveSet{
		registry: registry,
		active:   make(map[string]Vector),
	}
}

// Current returns a copy of the live vector for the category, seeding it
// from the space defaults on first use.
func (a *ActiveSet) Current(category string) (Vector, error) {
	a.mu.RLock()
	v, ok := a.active[category]
	a.mu.RUnlock()
	if ok {
		return v.Clone(), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok = a.active[category]; ok {
		return v.Clone(), nil
	}
	v = a.registry.Space(category).Defaults()
	a.active[category] = v
	return v.Clone(), nil
}

// Apply replaces the live vector for the category. Out-of-bounds vectors
// are rejected rather than clamped so a corrupted change can never go
// live silently.
func (a *ActiveSet) Apply(category string, p Vector) error {
	space := a.registry.Space(category)
	if !space.Contains(p) {
		return fmt.Errorf("params: vector out of bounds for %s", category)
	}

	a.mu.Lock()
	a.active[category] = p.Clone()
	a.mu.Unlock()
	return nil
}
