package reference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/hostkit/pkg/handler"
)

// Unit is a loaded code unit whose top-level code has already executed.
type Unit interface {
	// Location is the normalized location the unit was loaded from.
	Location() string

	// Lookup returns the callable bound to symbol.
	Lookup(symbol string) (handler.Func, bool)

	// Symbols lists the callable symbols the unit defines.
	Symbols() []string
}

// UnitLoader loads standalone code units of one file type.
type UnitLoader interface {
	Load(ctx context.Context, path string) (Unit, error)
}

// Loader turns a reference string into a callable.
type Loader interface {
	Resolve(ctx context.Context, ref string) (*Resolved, error)
}

// Resolved is a successfully resolved reference.
type Resolved struct {
	Locator Locator
	Fn      handler.Func
	Unit    Unit
}

// Stats reports resolver cache activity.
type Stats struct {
	UnitsLoaded      int64
	CachedUnits      int
	CachedReferences int
}

// Resolver implements Loader over file-backed units and compiled-in modules.
// Units are loaded at most once per normalized location, even when several
// goroutines race on first use.
type Resolver struct {
	mu      sync.RWMutex
	loaders map[string]UnitLoader
	aliases map[string]string
	units   map[string]Unit
	refs    map[string]*Resolved

	modules *ModuleTable
	group   singleflight.Group
	loads   atomic.Int64
	logger  zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithUnitLoader registers a loader for files ending in suffix (".star").
func WithUnitLoader(suffix string, loader UnitLoader) Option {
	return func(r *Resolver) {
		r.loaders[strings.ToLower(suffix)] = loader
	}
}

// WithAlias maps a short location name to a concrete location.
func WithAlias(name, location string) Option {
	return func(r *Resolver) {
		r.aliases[name] = location
	}
}

// WithModules sets the module table used for dotted module paths.
func WithModules(table *ModuleTable) Option {
	return func(r *Resolver) {
		r.modules = table
	}
}

// NewResolver creates a resolver.
func NewResolver(logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		loaders: make(map[string]UnitLoader),
		aliases: make(map[string]string),
		units:   make(map[string]Unit),
		refs:    make(map[string]*Resolved),
		modules: NewModuleTable(),
		logger:  logger.With().Str("component", "resolver").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Modules returns the module table consulted for dotted module paths.
func (r *Resolver) Modules() *ModuleTable {
	return r.modules
}

// SetAlias maps a short location name to a concrete location.
func (r *Resolver) SetAlias(name, location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[name] = location
}

// Resolve parses ref and returns the callable it names.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Resolved, error) {
	r.mu.RLock()
	cached, ok := r.refs[ref]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	loc, err := ParseLocator(ref)
	if err != nil {
		return nil, err
	}

	resolved, err := r.ResolveLocator(ctx, loc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.refs[ref] = resolved
	r.mu.Unlock()
	return resolved, nil
}

// ResolveLocator resolves an already parsed locator without consulting the
// reference cache.
func (r *Resolver) ResolveLocator(ctx context.Context, loc Locator) (*Resolved, error) {
	unit, err := r.LoadUnit(ctx, loc.Location)
	if err != nil {
		return nil, err
	}

	fn, ok := unit.Lookup(loc.Symbol)
	if !ok {
		return nil, &SymbolNotFoundError{
			Location:  unit.Location(),
			Symbol:    loc.Symbol,
			Available: unit.Symbols(),
		}
	}

	return &Resolved{
		Locator: Locator{Location: unit.Location(), Symbol: loc.Symbol},
		Fn:      fn,
		Unit:    unit,
	}, nil
}

// LoadUnit returns the unit at location, loading it on first use.
func (r *Resolver) LoadUnit(ctx context.Context, location string) (Unit, error) {
	location = r.expandAlias(location)

	r.mu.RLock()
	pathLike := isPathLike(location, r.loaders)
	r.mu.RUnlock()

	if !pathLike {
		mod, ok := r.modules.Lookup(location)
		if !ok {
			return nil, &UnitNotFoundError{Location: location}
		}
		return mod, nil
	}

	key, err := normalize(location)
	if err != nil {
		return nil, &LoadError{Location: location, Err: err}
	}

	r.mu.RLock()
	unit, ok := r.units[key]
	r.mu.RUnlock()
	if ok {
		return unit, nil
	}

	// The load is shared by every waiter, so it must outlive any one
	// caller's cancellation. Loaders apply their own timeout.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.units[key]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		loaded, err := r.loadFile(loadCtx, key)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.units[key] = loaded
		r.mu.Unlock()
		return loaded, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.logger.Trace().Str("location", key).Msg("Joined in-flight unit load")
		}
		return res.Val.(Unit), nil
	}
}

// Invalidate drops the cached unit at location and every reference into it.
// The next resolution reloads the unit and re-runs its top-level code.
func (r *Resolver) Invalidate(location string) {
	location = r.expandAlias(location)
	key, err := normalize(location)
	if err != nil {
		key = location
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, key)
	for ref, res := range r.refs {
		if res.Locator.Location == key {
			delete(r.refs, ref)
		}
	}
	r.logger.Debug().Str("location", key).Msg("Invalidated cached unit")
}

// Stats returns a snapshot of the resolver caches.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		UnitsLoaded:      r.loads.Load(),
		CachedUnits:      len(r.units),
		CachedReferences: len(r.refs),
	}
}

func (r *Resolver) loadFile(ctx context.Context, path string) (Unit, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &UnitNotFoundError{Location: path}
		}
		return nil, &LoadError{Location: path, Err: err}
	}
	if info.IsDir() {
		return nil, &LoadError{Location: path, Err: fmt.Errorf("location is a directory")}
	}

	ext := strings.ToLower(filepath.Ext(path))
	r.mu.RLock()
	loader, ok := r.loaders[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, &LoadError{Location: path, Err: fmt.Errorf("no loader registered for %q files", ext)}
	}

	r.logger.Debug().Str("location", path).Str("kind", ext).Msg("Loading code unit")
	unit, err := loader.Load(ctx, path)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &LoadError{Location: path, Err: err}
	}
	r.loads.Add(1)
	return unit, nil
}

func (r *Resolver) expandAlias(location string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[location]; ok {
		return target
	}
	return location
}

func normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
