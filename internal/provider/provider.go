// Package provider defines the provider backend vtable of spec §4.4:
// pluggable discovery and attachment strategies that populate the probe
// catalog, plus a small named registry of installed backends.
package provider

import (
	"fmt"

	"github.com/tracebeam/dbpf/internal/probe"
)

// ID identifies a registered provider by stable sequential id, mirroring
// probe.ID's arena-and-index style (spec §9).
type ID uint32

// ArgInfo describes one probe argument's native and translated type, per
// Backend.Info.
type ArgInfo struct {
	NativeType     string
	TranslatedType string
}

// Backend is the vtable every provider implementation satisfies (spec
// §4.4): discovery, instantiation, attachment, argument introspection,
// and the two teardown paths (clean release vs. failed-insert release).
type Backend interface {
	// Name returns the provider's stable name, used as the catalog's
	// Provider component and as the registry key.
	Name() string

	// Provide discovers every probe matching pattern (which may contain
	// glob components) and inserts each into cat under this provider's
	// name.
	Provide(cat *probe.Catalog, pattern probe.Desc) error

	// ProvidePSP instantiates a specific probe at a specific site,
	// returning the new probe's id. Used when a provider needs to
	// materialize a probe lazily rather than during a bulk Provide.
	ProvidePSP(cat *probe.Catalog, desc probe.Desc) (probe.ID, error)

	// Enable actually attaches id, invoked during Handle.Go.
	Enable(id probe.ID) error

	// Info returns the argument-type vector for id.
	Info(id probe.ID) ([]ArgInfo, error)

	// ProbeFini releases provider-private state associated with id on
	// normal probe teardown.
	ProbeFini(id probe.ID) error

	// ProbeDestroy releases provider-private state for a probe whose
	// catalog insert failed partway through, given the opaque private
	// pointer that was about to be attached.
	ProbeDestroy(private any) error
}

// StabilityClass is the pattern-attribute class a provider declares for
// anything it discovers when no narrower per-probe attribute applies.
type StabilityClass int

const (
	ClassUnknown StabilityClass = iota
	ClassUnstable
	ClassEvolving
	ClassStable
	ClassStandard
	ClassInternal
)

// Attributes is the (name-stability, data-stability, class) triple
// spec §3 calls the "pattern-attribute tuple."
type Attributes struct {
	NameStability StabilityClass
	DataStability StabilityClass
	Class         StabilityClass
}

// Flags records whether a provider is pid-style (one instance per
// traced process) and whether it implements the full vtable interface
// or only a discovery-only subset.
type Flags struct {
	PIDStyle bool
	Complete bool
}

// Registration pairs a Backend with its declared attributes and flags,
// as stored in the Registry.
type Registration struct {
	ID      ID
	Backend Backend
	Attrs   Attributes
	Flags   Flags
}

// Registry is the handle-owned set of installed provider backends,
// keyed by name.
type Registry struct {
	byName map[string]*Registration
	order  []string
	nextID ID
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Registration), nextID: 1}
}

// Register installs backend under its own Name(), rejecting a
// duplicate name.
func (r *Registry) Register(backend Backend, attrs Attributes, flags Flags) (ID, error) {
	name := backend.Name()
	if _, exists := r.byName[name]; exists {
		return 0, fmt.Errorf("provider: %q already registered", name)
	}
	id := r.nextID
	r.nextID++
	r.byName[name] = &Registration{ID: id, Backend: backend, Attrs: attrs, Flags: flags}
	r.order = append(r.order, name)
	return id, nil
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	reg, ok := r.byName[name]
	return reg, ok
}

// All returns every registration in registration order, for a
// "provide-all" discovery pass across every installed backend.
func (r *Registry) All() []*Registration {
	out := make([]*Registration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// ProvideAll runs pattern through every registered backend whose name
// matches pattern.Provider (or every backend, if pattern.Provider is
// empty), stopping at and returning the first error encountered.
func (r *Registry) ProvideAll(cat *probe.Catalog, pattern probe.Desc) error {
	for _, name := range r.order {
		if pattern.Provider != "" && pattern.Provider != name {
			continue
		}
		reg := r.byName[name]
		if err := reg.Backend.Provide(cat, pattern); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
	}
	return nil
}
