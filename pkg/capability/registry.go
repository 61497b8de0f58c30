package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

// Registry maps capability names to handler bindings across four tiers.
// Resolution returns the binding with the highest precedence present.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	conflicts map[string]Conflict

	overrides OverrideSource
	loader    reference.Loader
	logger    zerolog.Logger

	// version changes whenever a binding is added or removed.
	version atomic.Uint64
}

type entry struct {
	slots [numTiers]*Binding

	// overrideMu serializes the first override lookup for this capability.
	overrideMu      sync.Mutex
	overrideChecked bool
	// overrideErr holds a malformed override reference, which is never
	// retried.
	overrideErr error
}

// Option configures a Registry.
type Option func(*Registry)

// WithOverrides sets the source of override references. Without one the
// override tier is only populated by Register.
func WithOverrides(src OverrideSource) Option {
	return func(r *Registry) {
		r.overrides = src
	}
}

// WithLoader sets the loader used to resolve override references.
func WithLoader(loader reference.Loader) Option {
	return func(r *Registry) {
		r.loader = loader
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		conflicts: make(map[string]Conflict),
		logger:    logger.With().Str("component", "capability_registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLoader sets the loader used to resolve override references, for
// loaders that need the registry themselves.
func (r *Registry) SetLoader(loader reference.Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loader = loader
}

// Register binds a callable at the given tier, replacing any binding
// already held at that tier.
func (r *Registry) Register(b Binding) error {
	if b.Capability == "" {
		return fmt.Errorf("capability name is required")
	}
	if b.Tier < 0 || b.Tier >= numTiers {
		return fmt.Errorf("invalid tier %d for capability %q", int(b.Tier), b.Capability)
	}
	if b.Fn == nil {
		return fmt.Errorf("nil handler for capability %q", b.Capability)
	}

	r.mu.Lock()
	e := r.entryLocked(b.Capability)
	binding := b
	e.slots[b.Tier] = &binding
	conflict, found := r.checkConflictLocked(b.Capability, e)
	r.mu.Unlock()
	r.version.Add(1)

	r.logger.Debug().
		Str("capability", b.Capability).
		Str("tier", b.Tier.String()).
		Str("source", b.Source).
		Msg("Registered handler")

	if found {
		r.logger.Warn().
			Str("capability", conflict.Capability).
			Str("explicit", conflict.Explicit).
			Str("discovered", conflict.Discovered).
			Msg("Explicit and discovered handlers differ; explicit handler takes precedence")
	}
	return nil
}

// RegisterFunc is shorthand for registering fn at tier.
func (r *Registry) RegisterFunc(capability string, tier Tier, fn handler.Func, source string) error {
	return r.Register(Binding{Capability: capability, Tier: tier, Fn: fn, Source: source})
}

// RegisterScriptHandler binds a script's register_handler call at the
// explicit tier.
func (r *Registry) RegisterScriptHandler(capability string, fn handler.Func, source string) {
	if err := r.RegisterFunc(capability, TierExplicit, fn, source); err != nil {
		r.logger.Error().Err(err).Str("source", source).Msg("Failed to register script handler")
	}
}

// Unregister removes the binding at tier. Resolution falls through to the
// next tier.
func (r *Registry) Unregister(capability string, tier Tier) {
	if tier < 0 || tier >= numTiers {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[capability]
	if !ok {
		return
	}
	e.slots[tier] = nil
	if tier == TierExplicit || tier == TierDiscovered {
		delete(r.conflicts, capability)
	}
	r.version.Add(1)
}

// ResetOverride forgets the override lookup for capability so the next
// Resolve consults the override source again.
func (r *Registry) ResetOverride(capability string) {
	r.mu.Lock()
	e := r.entryLocked(capability)
	r.mu.Unlock()

	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()
	e.overrideChecked = false
	e.overrideErr = nil

	r.mu.Lock()
	e.slots[TierOverride] = nil
	r.mu.Unlock()
	r.version.Add(1)
}

// Reset removes every binding and recorded conflict.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
	r.conflicts = make(map[string]Conflict)
	r.version.Add(1)
}

// Version returns a counter that changes whenever a binding is added or
// removed, for callers that cache resolution results.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// ValidateOverrides checks that every override reference set for
// capabilities is well formed, without loading any code.
func (r *Registry) ValidateOverrides(capabilities ...string) error {
	if r.overrides == nil {
		return nil
	}
	var errs []error
	for _, capability := range capabilities {
		variable, ref, ok := r.overrides.Lookup(capability)
		if !ok {
			continue
		}
		if _, err := reference.ParseLocator(ref); err != nil {
			errs = append(errs, &OverrideError{Capability: capability, Variable: variable, Reference: ref, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the highest-precedence binding for capability. The
// override source is consulted on the first call only. A malformed override
// reference fails every call; other override failures are retried on the
// next call.
func (r *Registry) Resolve(ctx context.Context, capability string) (*Binding, error) {
	r.mu.Lock()
	e := r.entryLocked(capability)
	r.mu.Unlock()

	if err := r.checkOverride(ctx, capability, e); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range e.slots {
		if b != nil {
			out := *b
			return &out, nil
		}
	}
	return nil, &UnresolvedError{Capability: capability}
}

// Lookup returns the binding at a specific tier.
func (r *Registry) Lookup(capability string, tier Tier) (*Binding, bool) {
	if tier < 0 || tier >= numTiers {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[capability]
	if !ok || e.slots[tier] == nil {
		return nil, false
	}
	out := *e.slots[tier]
	return &out, true
}

// Names returns every capability with at least one binding, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		for _, b := range e.slots {
			if b != nil {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Bindings returns every binding, ordered by capability then tier.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Binding
	for _, e := range r.entries {
		for _, b := range e.slots {
			if b != nil {
				out = append(out, *b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// Conflicts returns the capabilities bound to different callables at the
// explicit and discovered tiers.
func (r *Registry) Conflicts() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

func (r *Registry) checkOverride(ctx context.Context, capability string, e *entry) error {
	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()

	if e.overrideErr != nil {
		return e.overrideErr
	}
	if e.overrideChecked || r.overrides == nil {
		return nil
	}

	variable, ref, ok := r.overrides.Lookup(capability)
	if !ok {
		e.overrideChecked = true
		return nil
	}
	if _, err := reference.ParseLocator(ref); err != nil {
		e.overrideErr = &OverrideError{Capability: capability, Variable: variable, Reference: ref, Err: err}
		return e.overrideErr
	}
	r.mu.RLock()
	loader := r.loader
	r.mu.RUnlock()
	if loader == nil {
		return &OverrideError{Capability: capability, Variable: variable, Reference: ref, Err: fmt.Errorf("no reference loader configured")}
	}

	resolved, err := loader.Resolve(ctx, ref)
	if err != nil {
		return &OverrideError{Capability: capability, Variable: variable, Reference: ref, Err: err}
	}

	r.mu.Lock()
	e.slots[TierOverride] = &Binding{
		Capability: capability,
		Tier:       TierOverride,
		Fn:         resolved.Fn,
		Source:     resolved.Locator.String(),
	}
	r.mu.Unlock()
	e.overrideChecked = true
	r.version.Add(1)

	r.logger.Info().
		Str("capability", capability).
		Str("variable", variable).
		Str("source", ref).
		Msg("Bound override handler")
	return nil
}

func (r *Registry) entryLocked(capability string) *entry {
	e, ok := r.entries[capability]
	if !ok {
		e = &entry{}
		r.entries[capability] = e
	}
	return e
}

func (r *Registry) checkConflictLocked(capability string, e *entry) (Conflict, bool) {
	explicit, discovered := e.slots[TierExplicit], e.slots[TierDiscovered]
	if explicit == nil || discovered == nil || explicit.Source == discovered.Source {
		delete(r.conflicts, capability)
		return Conflict{}, false
	}
	c := Conflict{Capability: capability, Explicit: explicit.Source, Discovered: discovered.Source}
	r.conflicts[capability] = c
	return c, true
}
