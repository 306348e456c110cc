// Package registry discovers healer plugins from a named extension point —
// modeled on database/sql's Register pattern, so a healer package registers
// a named factory before Build runs — and builds the immutable
// (resource_type, operation) -> healers dispatch table.
package registry

import (
	"fmt"
	"sync"

	"github.com/cloudwatt/contrail-healer-go/internal/healer"
	"github.com/cloudwatt/contrail-healer-go/internal/healerrors"
)

// Factory constructs a healer instance. Factories are called once, at
// registry Build time, so a plugin can fail fast with a ConfigurationError.
type Factory func() (healer.Healer, error)

var (
	mu        sync.Mutex
	factories = map[string]Factory{}
)

// Register adds a named healer factory to the extension point. Call before
// Build, from a healer package's init() or from main (as cmd/heal does for
// the fip healer).
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("registry: nil factory for " + name)
	}
	factories[name] = f
}

// lookup fetches a registered factory by name. Registration order isn't
// tracked; callers pass an explicit order via Build's names argument instead.
func lookup(name string) (Factory, bool) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := factories[name]
	return f, ok
}

// Table is the immutable resource_type -> operation -> ordered healer list
// dispatch table, plus the list of every instantiated healer, for which the
// caller builds and starts pipelines.
type Table struct {
	byResourceOp map[string]map[healer.Operation][]healer.Healer
	healers      []healer.Healer
}

// Healers returns every instantiated healer, in the order Build's names
// argument listed them.
func (t *Table) Healers() []healer.Healer { return t.healers }

// Lookup returns the ordered list of healers subscribed to (resourceType, op).
func (t *Table) Lookup(resourceType string, op healer.Operation) []healer.Healer {
	byOp, ok := t.byResourceOp[resourceType]
	if !ok {
		return nil
	}
	return byOp[op]
}

// Build instantiates each named healer factory in order, validates its
// descriptor, and indexes it into the dispatch table. A plugin that cannot
// be instantiated or that violates the descriptor contract is a fatal
// ConfigurationError.
func Build(names []string) (*Table, error) {
	t := &Table{byResourceOp: make(map[string]map[healer.Operation][]healer.Healer)}
	for _, name := range names {
		factory, ok := lookup(name)
		if !ok {
			return nil, healerrors.NewConfigurationError("healer plugin not found", fmt.Errorf("%q", name))
		}
		h, err := factory()
		if err != nil {
			return nil, healerrors.NewConfigurationError("instantiate healer "+name, err)
		}
		desc := h.Descriptor().WithDefaults()
		if err := desc.Validate(); err != nil {
			return nil, healerrors.NewConfigurationError("healer "+name, err)
		}
		t.healers = append(t.healers, h)
		byOp, ok := t.byResourceOp[desc.ResourceType]
		if !ok {
			byOp = make(map[healer.Operation][]healer.Healer)
			t.byResourceOp[desc.ResourceType] = byOp
		}
		for op := range desc.Operations {
			byOp[op] = append(byOp[op], h)
		}
	}
	return t, nil
}
