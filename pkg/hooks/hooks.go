package hooks

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

// Kind names a hook slot.
type Kind string

const (
	Throttle Kind = "throttle"
	PrePost  Kind = "pre_post_process"
	Pre      Kind = "pre_process"
	Post     Kind = "post_process"
)

// Kinds lists every slot in the order hooks run on the way in.
var Kinds = []Kind{Throttle, PrePost, Pre, Post}

// EnvVar returns the environment variable holding an override reference
// for k, or "" for an unknown kind.
func (k Kind) EnvVar() string {
	switch k {
	case Throttle:
		return "CUSTOM_FASTAPI_MIDDLEWARE_THROTTLE"
	case PrePost:
		return "CUSTOM_FASTAPI_MIDDLEWARE_PRE_POST_PROCESS"
	case Pre:
		return "CUSTOM_PRE_PROCESS"
	case Post:
		return "CUSTOM_POST_PROCESS"
	}
	return ""
}

// Hook is a callable bound to a slot.
type Hook struct {
	Kind   Kind
	Fn     handler.Func
	Source string
}

// Set is the effective hook of every slot. Nil slots are empty.
type Set struct {
	Throttle *Hook
	PrePost  *Hook
	Pre      *Hook
	Post     *Hook
}

// Empty reports whether no slot is filled.
func (s Set) Empty() bool {
	return s.Throttle == nil && s.PrePost == nil && s.Pre == nil && s.Post == nil
}

// DuplicateError is returned when a second script tries to fill a slot.
type DuplicateError struct {
	Kind     Kind
	Existing string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s hook is already registered by %s", e.Kind, e.Existing)
}

// Registry holds the hooks scripts register while their top-level code
// runs.
type Registry struct {
	mu     sync.RWMutex
	hooks  map[Kind]Hook
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		hooks:  make(map[Kind]Hook),
		logger: logger.With().Str("component", "hooks").Logger(),
	}
}

// RegisterScriptHook fills the slot named kind. A script reloaded from the
// same location replaces its earlier hook; a hook from any other location
// is a DuplicateError.
func (r *Registry) RegisterScriptHook(kind string, fn handler.Func, source string) error {
	k := Kind(kind)
	if k.EnvVar() == "" {
		return fmt.Errorf("hook %q is not allowed; allowed: %s", kind, allowedNames())
	}
	if fn == nil {
		return fmt.Errorf("nil %s hook from %s", kind, source)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.hooks[k]; ok && hookLocation(existing.Source) != hookLocation(source) {
		return &DuplicateError{Kind: k, Existing: existing.Source}
	}
	r.hooks[k] = Hook{Kind: k, Fn: fn, Source: source}

	r.logger.Debug().Str("kind", kind).Str("source", source).Msg("Registered script hook")
	return nil
}

// ForgetScriptHooks drops the hooks registered from the script at location.
func (r *Registry) ForgetScriptHooks(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, h := range r.hooks {
		if hookLocation(h.Source) == location {
			delete(r.hooks, k)
		}
	}
}

// Lookup returns the hook a script registered for k.
func (r *Registry) Lookup(k Kind) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[k]
	return h, ok
}

// Clear forgets every script registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = make(map[Kind]Hook)
}

func allowedNames() string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func hookLocation(source string) string {
	if i := strings.LastIndex(source, ":"); i >= 0 {
		return source[:i]
	}
	return source
}

// Chain combines environment overrides with script registrations.
type Chain struct {
	env     map[Kind]Hook
	scripts *Registry
}

// LoadOptions configures Load.
type LoadOptions struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	// Scripts supplies script registrations. Nil means none.
	Scripts *Registry
}

// Load resolves the hook overrides set in the environment. A malformed
// reference is an error; a well-formed reference that cannot be resolved
// is logged and its slot left to script registrations.
func Load(ctx context.Context, loader reference.Loader, opts LoadOptions, logger zerolog.Logger) (*Chain, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger = logger.With().Str("component", "hooks").Logger()

	c := &Chain{env: make(map[Kind]Hook), scripts: opts.Scripts}
	for _, k := range Kinds {
		ref := strings.TrimSpace(getenv(k.EnvVar()))
		if ref == "" {
			continue
		}
		if _, err := reference.ParseLocator(ref); err != nil {
			return nil, fmt.Errorf("%s: %w", k.EnvVar(), err)
		}
		resolved, err := loader.Resolve(ctx, ref)
		if err != nil {
			logger.Error().Err(err).
				Str("variable", k.EnvVar()).
				Str("reference", ref).
				Msg("Failed to load hook; slot left empty")
			continue
		}
		c.env[k] = Hook{Kind: k, Fn: resolved.Fn, Source: resolved.Locator.String()}
		logger.Info().Str("kind", string(k)).Str("source", ref).Msg("Bound hook override")
	}
	return c, nil
}

// Current returns the effective hooks.
func (c *Chain) Current() Set {
	if c == nil {
		return Set{}
	}
	var s Set
	s.Throttle = c.lookup(Throttle)
	s.PrePost = c.lookup(PrePost)
	if s.PrePost == nil {
		s.Pre = c.lookup(Pre)
		s.Post = c.lookup(Post)
	}
	return s
}

func (c *Chain) lookup(k Kind) *Hook {
	if h, ok := c.env[k]; ok {
		return &h
	}
	if c.scripts != nil {
		if h, ok := c.scripts.Lookup(k); ok {
			return &h
		}
	}
	return nil
}
