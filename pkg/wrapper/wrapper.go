package wrapper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/telemetry"
	"github.com/openfroyo/hostkit/pkg/transform"
)

// Factory creates wrappers bound to one registry.
type Factory struct {
	registry *capability.Registry
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	defaults map[string]map[string]any

	admission func(capability string) Validator
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithTelemetry records metrics and spans for every dispatch.
func WithTelemetry(tel *telemetry.Telemetry) FactoryOption {
	return func(f *Factory) {
		f.tel = tel
	}
}

// WithCapabilityDefaults sets request defaults per capability. A wrapper's
// own WithRequestDefaults takes precedence.
func WithCapabilityDefaults(defaults map[string]map[string]any) FactoryOption {
	return func(f *Factory) {
		f.defaults = defaults
	}
}

// WithAdmission appends the validator returned by admission to every
// wrapper the factory creates. A nil validator adds nothing.
func WithAdmission(admission func(capability string) Validator) FactoryOption {
	return func(f *Factory) {
		f.admission = admission
	}
}

// NewFactory creates a wrapper factory over registry.
func NewFactory(registry *capability.Registry, logger zerolog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		registry: registry,
		tel:      telemetry.Nop(),
		logger:   logger.With().Str("component", "wrapper").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the registry wrappers resolve against.
func (f *Factory) Registry() *capability.Registry {
	return f.registry
}

// Wrapper dispatches one capability through the registry, rewriting the
// request and response with compiled shapes.
type Wrapper struct {
	factory    *Factory
	capability string
	logger     zerolog.Logger

	request     *transform.Compiled
	response    *transform.Compiled
	errorShape  *transform.Compiled
	passthrough bool
	settings    settings

	resolveMu sync.Mutex
	resolved  atomic.Pointer[capability.Binding]
}

// Create compiles the shapes in opts and returns a wrapper for capability.
// Compilation errors are returned here, before any request is served.
func (f *Factory) Create(name string, opts ...Option) (*Wrapper, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.defaults == nil {
		s.defaults = f.defaults[name]
	}
	if f.admission != nil {
		if v := f.admission(name); v != nil {
			s.validators = append(s.validators, v)
		}
	}

	w := &Wrapper{
		factory:    f,
		capability: name,
		logger:     f.logger.With().Str("capability", name).Logger(),
		settings:   s,
	}

	var err error
	if s.requestShape != nil {
		if w.request, err = transform.Compile(*s.requestShape); err != nil {
			return nil, fmt.Errorf("capability %s: request shape: %w", name, err)
		}
	}
	if s.responseShape != nil {
		if w.response, err = transform.Compile(*s.responseShape, transform.WithRoots(transform.ResponseRoots...)); err != nil {
			return nil, fmt.Errorf("capability %s: response shape: %w", name, err)
		}
	}
	if s.errorShape != nil {
		if w.errorShape, err = transform.Compile(*s.errorShape, transform.WithRoots(transform.ResponseRoots...)); err != nil {
			return nil, fmt.Errorf("capability %s: error shape: %w", name, err)
		}
	}

	w.passthrough = s.requestShape == nil && !w.shapesResponse() && len(s.validators) == 0
	return w, nil
}

// MustCreate is like Create but panics on error.
func (f *Factory) MustCreate(name string, opts ...Option) *Wrapper {
	w, err := f.Create(name, opts...)
	if err != nil {
		panic(err)
	}
	return w
}

// Capability returns the capability name.
func (w *Wrapper) Capability() string {
	return w.capability
}

// Passthrough reports whether the wrapper performs no transform work.
func (w *Wrapper) Passthrough() bool {
	return w.passthrough
}

// Decorate registers fn at the explicit tier and returns the dispatching
// callable. The callable still resolves through the registry, so a
// higher-precedence override wins over fn.
func (w *Wrapper) Decorate(fn handler.Func) (handler.Func, error) {
	if fn == nil {
		return nil, fmt.Errorf("capability %s: nil handler", w.capability)
	}
	source := w.settings.source
	if source == "" {
		source = funcName(fn)
	}
	if err := w.factory.registry.RegisterFunc(w.capability, capability.TierExplicit, fn, source); err != nil {
		return nil, fmt.Errorf("capability %s: %w", w.capability, err)
	}
	return w.Handler(), nil
}

// MustDecorate is like Decorate but panics on error.
func (w *Wrapper) MustDecorate(fn handler.Func) handler.Func {
	dispatch, err := w.Decorate(fn)
	if err != nil {
		panic(err)
	}
	return dispatch
}

// Handler returns the dispatching callable without registering anything.
func (w *Wrapper) Handler() handler.Func {
	return w.dispatch
}

// Invoke dispatches req.
func (w *Wrapper) Invoke(ctx context.Context, req *handler.Request) (any, error) {
	return w.dispatch(ctx, &handler.Invocation{Request: req})
}

func (w *Wrapper) dispatch(ctx context.Context, inv *handler.Invocation) (result any, err error) {
	tel := w.factory.tel
	op := tel.StartOperation(ctx, "capability."+w.capability, telemetry.AttrCapability.String(w.capability))
	defer func() {
		status := statusOf(result, err)
		op.Span.SetAttributes(telemetry.AttrStatusCode.Int(status))
		tel.Metrics.RecordInvocation(w.capability, status, op.Timer.Duration())
		op.End(err)
	}()
	ctx = op.Ctx

	fn, err := w.resolve(ctx)
	if err != nil {
		return nil, err
	}

	req := inv.Request
	if req == nil {
		req = handler.NewRequest("", "", nil)
	}

	if w.passthrough {
		return fn(ctx, &handler.Invocation{Request: req})
	}

	for _, validate := range w.settings.validators {
		if err := validate(ctx, req); err != nil {
			return nil, asClientError(err)
		}
	}

	out, err := w.transformRequest(req)
	if err != nil {
		tel.Metrics.RecordTransformError(w.capability, "request")
		return nil, err
	}

	result, err = fn(ctx, &handler.Invocation{Data: out.Transformed, Request: out.Raw})
	if err != nil || !w.shapesResponse() {
		return result, err
	}

	call := &Call{Capability: w.capability, Request: req, Output: out}
	resp, err := w.transformResponse(ctx, call, result)
	if err != nil {
		tel.Metrics.RecordTransformError(w.capability, "response")
		return nil, err
	}
	return resp, nil
}

// resolve returns the winning implementation, resolving it on first use.
// A failed resolution is not cached.
func (w *Wrapper) resolve(ctx context.Context) (handler.Func, error) {
	if b := w.resolved.Load(); b != nil {
		return b.Fn, nil
	}

	w.resolveMu.Lock()
	defer w.resolveMu.Unlock()
	if b := w.resolved.Load(); b != nil {
		return b.Fn, nil
	}

	b, err := w.factory.registry.Resolve(ctx, w.capability)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to resolve capability")
		return nil, err
	}
	w.resolved.Store(b)
	w.factory.tel.Metrics.RecordResolution(w.capability, b.Tier.String())

	w.logger.Info().
		Str("tier", b.Tier.String()).
		Str("source", b.Source).
		Msg("Resolved capability handler")
	return b.Fn, nil
}

func (w *Wrapper) transformRequest(req *handler.Request) (Output, error) {
	if w.request == nil {
		return Output{Raw: req}, nil
	}

	body, err := req.JSON()
	if err != nil {
		return Output{}, handler.BadRequest("Request body is not valid JSON", err)
	}

	doc := transform.Source{
		Body:        body,
		Headers:     req.Headers,
		PathParams:  req.PathParams,
		QueryParams: req.QueryParams,
	}.Document()

	if w.settings.injectBody {
		return w.injectIntoBody(req, body, doc)
	}

	out, err := w.request.ApplyOnto(w.settings.defaults, doc)
	if err != nil {
		return Output{}, err
	}
	if out == nil {
		return Output{Raw: req}, nil
	}
	return Output{Transformed: handler.Data(out), Raw: req}, nil
}

func (w *Wrapper) injectIntoBody(req *handler.Request, body any, doc map[string]any) (Output, error) {
	base, ok := body.(map[string]any)
	if !ok && body != nil {
		return Output{}, handler.BadRequest("Request body must be a JSON object", nil)
	}
	seed := make(map[string]any, len(w.settings.defaults)+len(base))
	for k, v := range w.settings.defaults {
		seed[k] = v
	}
	for k, v := range base {
		seed[k] = v
	}

	merged, err := w.request.ApplyOnto(seed, doc)
	if err != nil {
		return Output{}, err
	}
	if merged == nil {
		return Output{Raw: req}, nil
	}

	rewritten, err := req.WithBody(merged)
	if err != nil {
		return Output{}, handler.Internal("Failed to rewrite request body", err)
	}
	return Output{Raw: rewritten}, nil
}

func (w *Wrapper) shapesResponse() bool {
	return w.response != nil || w.errorShape != nil || w.settings.onSuccess != nil || w.settings.onError != nil
}

func (w *Wrapper) transformResponse(ctx context.Context, call *Call, result any) (*handler.Response, error) {
	resp := copyResponse(handler.Normalize(result))

	shape, hook := w.response, w.settings.onSuccess
	if !resp.IsSuccess() {
		shape, hook = w.errorShape, w.settings.onError
	}

	if shape != nil {
		body, err := shape.Apply(transform.ResponseDocument(resp.Status, resp.Headers, resp.Body))
		if err != nil {
			var ee *transform.ExtractionError
			if errors.As(err, &ee) {
				return nil, handler.Internal("Engine response is missing a required field", err)
			}
			return nil, err
		}
		resp.Body = nilIfEmpty(body)
	}

	if hook != nil {
		return hook(ctx, call, resp)
	}
	return resp, nil
}

func copyResponse(r *handler.Response) *handler.Response {
	out := &handler.Response{Status: r.Status, Body: r.Body}
	if len(r.Headers) > 0 {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

func nilIfEmpty(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// asClientError maps validator failures without a status to 400.
func asClientError(err error) error {
	var sc handler.StatusCoder
	if errors.As(err, &sc) {
		return err
	}
	return handler.BadRequest(err.Error(), err)
}

func statusOf(result any, err error) int {
	if err != nil {
		return handler.StatusOf(err)
	}
	switch r := result.(type) {
	case *handler.Response:
		if r != nil && r.Status != 0 {
			return r.Status
		}
	case handler.Response:
		if r.Status != 0 {
			return r.Status
		}
	}
	return http.StatusOK
}

func funcName(fn handler.Func) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "func"
}
