package shim

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/config"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/hooks"
	"github.com/openfroyo/hostkit/pkg/lora"
	"github.com/openfroyo/hostkit/pkg/policy"
	"github.com/openfroyo/hostkit/pkg/reference"
	"github.com/openfroyo/hostkit/pkg/scripting"
	"github.com/openfroyo/hostkit/pkg/server"
	"github.com/openfroyo/hostkit/pkg/sessions"
	"github.com/openfroyo/hostkit/pkg/telemetry"
	"github.com/openfroyo/hostkit/pkg/transform"
	"github.com/openfroyo/hostkit/pkg/wrapper"
)

// ScriptAlias is the location alias that names the designated script in
// reference strings, as in "model:custom_ping".
const ScriptAlias = "model"

// Shim is a fully assembled model-hosting shim.
type Shim struct {
	Settings   *config.Settings
	Telemetry  *telemetry.Telemetry
	Registry   *capability.Registry
	Resolver   *reference.Resolver
	Discoverer *capability.Discoverer
	Hooks      *hooks.Chain
	Factory    *wrapper.Factory
	Policy     *policy.Engine
	Sessions   *sessions.Manager
	Adapters   *lora.Tracker
	Server     *server.Server

	store  sessions.Store
	logger zerolog.Logger
}

type options struct {
	tel       *telemetry.Telemetry
	modules   *reference.ModuleTable
	overrides capability.OverrideSource
	hookEnv   func(string) string
	register  []func(*capability.Registry) error
}

// Option configures New.
type Option func(*options)

// WithTelemetry uses tel instead of building telemetry from the settings.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) {
		o.tel = tel
	}
}

// WithModules makes Go functions in table resolvable by dotted module
// path in override references.
func WithModules(table *reference.ModuleTable) Option {
	return func(o *options) {
		o.modules = table
	}
}

// WithOverrides replaces the environment as the source of override
// references.
func WithOverrides(src capability.OverrideSource) Option {
	return func(o *options) {
		o.overrides = src
	}
}

// WithHookEnv replaces os.Getenv as the source of hook override
// references.
func WithHookEnv(getenv func(string) string) Option {
	return func(o *options) {
		o.hookEnv = getenv
	}
}

// WithRegistration runs fn against the registry before discovery, for
// explicit registrations made in Go.
func WithRegistration(fn func(*capability.Registry) error) Option {
	return func(o *options) {
		o.register = append(o.register, fn)
	}
}

// New assembles a shim from settings. Shapes are compiled and the model
// script is discovered here, so configuration errors surface before
// anything is served.
func New(ctx context.Context, settings *config.Settings, opts ...Option) (*Shim, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Shim{Settings: settings, Telemetry: o.tel}
	if s.Telemetry == nil {
		tel, err := telemetry.NewTelemetry(&settings.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		s.Telemetry = tel
	}
	s.logger = s.Telemetry.Logger.Zerolog()

	if err := s.buildRegistry(ctx, o); err != nil {
		return nil, s.abort(err)
	}
	if err := s.buildPolicy(ctx); err != nil {
		return nil, s.abort(err)
	}
	if err := s.buildSessions(ctx); err != nil {
		return nil, s.abort(err)
	}
	if err := s.buildServer(); err != nil {
		return nil, s.abort(err)
	}

	for _, c := range s.Registry.Conflicts() {
		s.logger.Warn().
			Str("capability", c.Capability).
			Str("explicit", c.Explicit).
			Str("discovered", c.Discovered).
			Msg("Explicit registration shadows a script handler")
	}
	return s, nil
}

func (s *Shim) buildRegistry(ctx context.Context, o options) error {
	overrides := o.overrides
	if overrides == nil {
		overrides = capability.EnvOverrides{Transport: s.Settings.Transport}
	}
	s.Registry = capability.NewRegistry(s.logger, capability.WithOverrides(overrides))
	if err := s.Registry.ValidateOverrides(capability.Known...); err != nil {
		return fmt.Errorf("invalid handler override: %w", err)
	}

	scriptHooks := hooks.NewRegistry(s.logger)
	scriptCfg := scripting.Config{
		Timeout:   s.Settings.ScriptTimeout,
		Options:   s.Settings.Options,
		Registrar: s.Registry,
		Hooks:     scriptHooks,
	}
	resolverOpts := scripting.ResolverOptions(scriptCfg, s.logger)
	resolverOpts = append(resolverOpts, reference.WithAlias(ScriptAlias, s.Settings.ScriptPath()))
	if o.modules != nil {
		resolverOpts = append(resolverOpts, reference.WithModules(o.modules))
	}
	s.Resolver = reference.NewResolver(s.logger, resolverOpts...)
	s.Registry.SetLoader(s.Resolver)

	for _, fn := range o.register {
		if err := fn(s.Registry); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
	}

	s.Discoverer = capability.NewDiscoverer(s.Registry, s.Resolver, s.Settings.ScriptPath(), s.logger)
	if _, err := s.Discoverer.Discover(ctx); err != nil {
		return fmt.Errorf("failed to discover model script handlers: %w", err)
	}
	s.Discoverer.OnReload(s.Telemetry.Metrics.RecordScriptReload)

	chain, err := hooks.Load(ctx, s.Resolver, hooks.LoadOptions{Getenv: o.hookEnv, Scripts: scriptHooks}, s.logger)
	if err != nil {
		return fmt.Errorf("invalid hook override: %w", err)
	}
	s.Hooks = chain

	return s.Registry.RegisterFunc(capability.Ping, capability.TierDefault, defaultPing, "shim.defaultPing")
}

func defaultPing(context.Context, *handler.Invocation) (any, error) {
	return &handler.Response{Status: http.StatusOK}, nil
}

func (s *Shim) buildPolicy(ctx context.Context) error {
	p := s.Settings.Policy
	if !p.Enabled {
		return nil
	}

	var opts []policy.Option
	if p.DisableBuiltins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	opts = append(opts, policy.WithEnvironment(s.Settings.Telemetry.Environment))

	engine, err := policy.NewEngine(s.logger, opts...)
	if err != nil {
		return err
	}
	if len(p.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, p.Paths); err != nil {
			return err
		}
	}
	s.Policy = engine
	return nil
}

func (s *Shim) buildSessions(ctx context.Context) error {
	sc := s.Settings.Sessions
	if !sc.Enabled {
		return nil
	}

	switch sc.Store {
	case config.StoreSQLite:
		store, err := sessions.OpenSQLite(ctx, sessions.SQLiteConfig{Path: sc.Path})
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		s.store = store
	default:
		s.store = sessions.NewMemoryStore()
	}

	s.Sessions = sessions.NewManager(s.store, s.logger,
		sessions.WithTTL(sc.TTL),
		sessions.WithMetrics(s.Telemetry.Metrics),
	)
	return sessions.RegisterDefaults(s.Registry, s.Sessions)
}

func (s *Shim) buildServer() error {
	factoryOpts := []wrapper.FactoryOption{
		wrapper.WithTelemetry(s.Telemetry),
		wrapper.WithCapabilityDefaults(s.Settings.CapabilityDefaults()),
	}
	if s.Policy != nil {
		factoryOpts = append(factoryOpts, wrapper.WithAdmission(func(name string) wrapper.Validator {
			return s.Policy.Validator(name)
		}))
	}
	s.Factory = wrapper.NewFactory(s.Registry, s.logger, factoryOpts...)

	ping, err := s.Factory.Create(capability.Ping, shapeOptions(s.Settings.Capability(capability.Ping))...)
	if err != nil {
		return err
	}
	invocation, err := s.Factory.Create(capability.Invocation, shapeOptions(s.Settings.Capability(capability.Invocation))...)
	if err != nil {
		return err
	}
	if err := lora.RegisterDefaults(s.Registry, invocation.Handler()); err != nil {
		return err
	}

	s.Adapters = lora.NewTracker(s.Telemetry.Metrics)
	adapters, err := lora.New(s.Factory, lora.Config{
		LoadShape:       requestShape(s.Settings.Capability(capability.LoadAdapter)),
		UnloadShape:     requestShape(s.Settings.Capability(capability.UnloadAdapter)),
		InjectPath:      s.Settings.Adapters.InjectPath,
		InjectAppend:    s.Settings.Adapters.InjectAppend,
		InjectSeparator: s.Settings.Adapters.InjectSeparator,
		Tracker:         s.Adapters,
	}, s.logger)
	if err != nil {
		return err
	}

	sessionHandlers, err := sessions.New(s.Factory, sessions.EngineConfig{
		CreateRequestShape: requestShape(s.Settings.Capability(capability.CreateSession)),
		CreateResponsePath: s.Settings.Sessions.CreateResponsePath,
		CloseRequestPath:   s.Settings.Sessions.CloseRequestPath,
		CloseRequestShape:  requestShape(s.Settings.Capability(capability.CloseSession)),
	}, s.logger)
	if err != nil {
		return err
	}

	metricsPath := ""
	if s.Telemetry.Config != nil && s.Telemetry.Config.Metrics.ListenAddress == "" {
		metricsPath = s.Telemetry.Config.Metrics.Path
	}

	s.Server, err = server.New(server.Config{
		ListenAddr:  s.Settings.ListenAddr,
		MetricsPath: metricsPath,
	}, server.Handlers{
		Ping:       ping,
		Invocation: invocation,
		Adapters:   adapters,
		Sessions:   sessionHandlers,
		Guard:      sessions.NewGuard(s.Registry, s.Sessions),
		Metrics:    s.Telemetry.Metrics,
		Hooks:      s.Hooks,
	}, s.logger)
	return err
}

// shapeOptions turns a capability's configured shapes into wrapper
// options.
func shapeOptions(c config.CapabilityConfig) []wrapper.Option {
	var opts []wrapper.Option
	if c.Request != nil {
		opts = append(opts, wrapper.WithRequestShape(*c.Request))
	}
	if c.Response != nil {
		opts = append(opts, wrapper.WithResponseShape(*c.Response))
	}
	if c.Error != nil {
		opts = append(opts, wrapper.WithErrorShape(*c.Error))
	}
	return opts
}

func requestShape(c config.CapabilityConfig) transform.Shape {
	if c.Request == nil {
		return nil
	}
	return *c.Request
}

// Run serves until ctx is done. It starts script and policy watching, the
// session purge loop and the dedicated metrics listener when configured.
func (s *Shim) Run(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	if s.Settings.WatchScript {
		if err := s.Discoverer.Watch(ctx); err != nil {
			return err
		}
	}
	if s.Policy != nil && s.Settings.Policy.Watch && len(s.Settings.Policy.Paths) > 0 {
		if err := s.Policy.Watch(ctx, s.Settings.Policy.Paths); err != nil {
			return err
		}
	}
	if metricsServer := s.Telemetry.Metrics.StartMetricsServer(s.logger); metricsServer != nil {
		defer func() { _ = metricsServer.Close() }()
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.Sessions != nil && s.Settings.Sessions.PurgeInterval > 0 {
		g.Go(func() error {
			s.Sessions.Run(ctx, s.Settings.Sessions.PurgeInterval)
			return nil
		})
	}
	g.Go(func() error {
		return s.Server.ListenAndServe(ctx)
	})
	return g.Wait()
}

// Close releases the session store and flushes telemetry.
func (s *Shim) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	if s.Telemetry != nil {
		errs = append(errs, s.Telemetry.Shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

func (s *Shim) abort(err error) error {
	if cerr := s.Close(); cerr != nil {
		s.logger.Error().Err(cerr).Msg("Cleanup after failed start")
	}
	return err
}
