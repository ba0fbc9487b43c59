package component

import (
	"fmt"
	"sort"
	"sync"

	"github.com/randalmurphal/fleetup/pkg/fleetup/config"
	uperrors "github.com/randalmurphal/fleetup/pkg/fleetup/errors"
	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
)

// Factory builds a component of one kind.
type Factory func(cfg config.ComponentConfig) (Component, error)

// Registry maps kinds to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns a registry with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Kind]Factory)}
	r.Register(KindExporter, NewExporter)
	r.Register(KindDatabase, NewDatabase)
	r.Register(KindLogShipper, NewLogShipper)
	return r
}

// Register adds or replaces the factory for kind. Tests use this to
// substitute instrumented components.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Build constructs the component for cfg.
func (r *Registry) Build(cfg config.ComponentConfig) (Component, error) {
	if err := ident.Validate("component", cfg.Name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &uperrors.ValidationError{Field: "kind", Value: string(cfg.Kind), Rule: "unknown component kind"}
	}
	return f(cfg)
}

// Set is the resolved components of a plan, looked up by name.
type Set struct {
	byName map[string]Component
	order  []string
}

// BuildAll constructs every component the plan declares, in phase order.
func (r *Registry) BuildAll(plan *config.Plan) (*Set, error) {
	s := &Set{byName: make(map[string]Component, len(plan.Components))}
	for _, name := range plan.ComponentNames() {
		cfg, ok := plan.Component(name)
		if !ok {
			return nil, fmt.Errorf("phase references undeclared component %q", name)
		}
		c, err := r.Build(cfg)
		if err != nil {
			return nil, err
		}
		s.byName[name] = c
		s.order = append(s.order, name)
	}
	return s, nil
}

// Get returns the named component.
func (s *Set) Get(name string) (Component, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// Names returns component names in phase order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of components.
func (s *Set) Len() int {
	return len(s.order)
}
