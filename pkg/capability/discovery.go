package capability

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

// UnitSource loads and evicts script units. *reference.Resolver satisfies it.
type UnitSource interface {
	LoadUnit(ctx context.Context, location string) (reference.Unit, error)
	Invalidate(location string)
}

// Discoverer binds convention-named functions from the designated model
// script at the discovered tier.
type Discoverer struct {
	registry *Registry
	units    UnitSource
	location string
	logger   zerolog.Logger

	capabilities []string

	// current is the unit discovered bindings dispatch through, so a reload
	// reaches handlers that callers already resolved.
	current atomic.Pointer[unitRef]

	mu    sync.Mutex
	bound map[string]string

	onReload func(error)
}

type unitRef struct {
	unit reference.Unit
}

// NewDiscoverer creates a discoverer for the script at location.
func NewDiscoverer(registry *Registry, units UnitSource, location string, logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		registry:     registry,
		units:        units,
		location:     location,
		logger:       logger.With().Str("component", "discovery").Str("script", location).Logger(),
		capabilities: Known,
		bound:        make(map[string]string),
	}
}

// Location returns the designated script location.
func (d *Discoverer) Location() string {
	return d.location
}

// Discover loads the script and binds every capability it defines by
// convention. A missing script yields no bindings. Capabilities bound by an
// earlier run and no longer defined are unregistered.
func (d *Discoverer) Discover(ctx context.Context) ([]Binding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	unit, err := d.units.LoadUnit(ctx, d.location)
	if err != nil {
		if reference.IsNotFound(err) {
			d.logger.Debug().Msg("No model script found; skipping discovery")
			d.current.Store(nil)
			d.unbindLocked(nil)
			return nil, nil
		}
		return nil, err
	}

	found := make(map[string]string)
	for _, capability := range d.capabilities {
		var matches []string
		for _, name := range Candidates(capability) {
			if _, ok := unit.Lookup(name); ok {
				matches = append(matches, name)
			}
		}
		switch len(matches) {
		case 0:
		case 1:
			found[capability] = matches[0]
		default:
			return nil, &DiscoveryConflictError{Capability: capability, Location: unit.Location(), Symbols: matches}
		}
	}

	d.current.Store(&unitRef{unit: unit})

	var bindings []Binding
	for _, capability := range d.capabilities {
		symbol, ok := found[capability]
		if !ok {
			continue
		}
		b := Binding{
			Capability: capability,
			Tier:       TierDiscovered,
			Fn:         d.dispatch(capability, symbol),
			Source:     reference.Locator{Location: unit.Location(), Symbol: symbol}.String(),
		}
		if err := d.registry.Register(b); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	d.unbindLocked(found)
	d.bound = found

	d.logger.Info().Int("handlers", len(bindings)).Msg("Discovered model script handlers")
	return bindings, nil
}

// OnReload sets a callback run after every reload triggered by Watch. Set
// it before calling Watch.
func (d *Discoverer) OnReload(fn func(err error)) {
	d.onReload = fn
}

// Reload evicts the cached script and discovers again.
func (d *Discoverer) Reload(ctx context.Context) ([]Binding, error) {
	d.units.Invalidate(d.location)
	return d.Discover(ctx)
}

func (d *Discoverer) dispatch(capability, symbol string) handler.Func {
	return func(ctx context.Context, inv *handler.Invocation) (any, error) {
		ref := d.current.Load()
		if ref == nil {
			return nil, &UnresolvedError{Capability: capability}
		}
		fn, ok := ref.unit.Lookup(symbol)
		if !ok {
			return nil, &UnresolvedError{Capability: capability}
		}
		return fn(ctx, inv)
	}
}

// unbindLocked unregisters capabilities bound earlier and absent from keep.
func (d *Discoverer) unbindLocked(keep map[string]string) {
	for capability := range d.bound {
		if _, ok := keep[capability]; ok {
			continue
		}
		d.registry.Unregister(capability, TierDiscovered)
		d.logger.Debug().Str("capability", capability).Msg("Removed discovered handler")
	}
	if keep == nil {
		d.bound = make(map[string]string)
	}
}
