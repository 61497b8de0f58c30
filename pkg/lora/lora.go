package lora

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/transform"
	"github.com/openfroyo/hostkit/pkg/wrapper"
)

// Request headers and path parameters carrying adapter identity.
const (
	HeaderAdapterIdentifier = "X-Amzn-SageMaker-Adapter-Identifier"
	HeaderAdapterAlias      = "X-Amzn-SageMaker-Adapter-Alias"
	PathParamAdapterName    = "adapter_name"
)

// LoadRequest is the body of a load adapter call.
type LoadRequest struct {
	Name    string `json:"name" validate:"required"`
	Src     string `json:"src" validate:"required"`
	Preload *bool  `json:"preload,omitempty"`
	Pinned  *bool  `json:"pinned,omitempty"`
}

// DefaultLoadShape maps a load request onto a vLLM-style engine request.
var DefaultLoadShape = transform.Shape{
	"lora_name": transform.Path{Expr: "body.name"},
	"lora_path": transform.Path{Expr: "body.src"},
}

// DefaultUnloadShape maps the adapter path parameter onto the engine request.
var DefaultUnloadShape = transform.Shape{
	"lora_name": transform.Path{Expr: "pathParams.adapter_name"},
}

// Config configures the adapter capabilities.
type Config struct {
	// LoadShape and UnloadShape default to DefaultLoadShape and
	// DefaultUnloadShape.
	LoadShape   transform.Shape
	UnloadShape transform.Shape

	// InjectPath is the body field receiving the adapter identifier. Dots
	// address nested objects. Defaults to "model".
	InjectPath string

	// InjectAppend appends the identifier to the existing value using
	// InjectSeparator instead of replacing it.
	InjectAppend    bool
	InjectSeparator string

	// Tracker records loaded adapters. Optional.
	Tracker *Tracker
}

// Handlers holds the wrappers for the adapter capabilities.
type Handlers struct {
	Load   *wrapper.Wrapper
	Unload *wrapper.Wrapper
	Inject *wrapper.Wrapper
}

// New creates wrappers for loadAdapter, unloadAdapter and injectIdentifier.
func New(f *wrapper.Factory, cfg Config, logger zerolog.Logger) (*Handlers, error) {
	logger = logger.With().Str("component", "lora").Logger()
	v := newValidator()

	loadShape := cfg.LoadShape
	if loadShape == nil {
		loadShape = DefaultLoadShape
	}
	unloadShape := cfg.UnloadShape
	if unloadShape == nil {
		unloadShape = DefaultUnloadShape
	}

	load, err := f.Create(capability.LoadAdapter,
		wrapper.WithRequestShape(loadShape),
		wrapper.WithRequestValidator(validateLoad(v)),
		wrapper.WithSuccessHook(func(_ context.Context, call *wrapper.Call, _ *handler.Response) (*handler.Response, error) {
			alias := AdapterAlias(call.Request, bodyName(call.Request))
			cfg.Tracker.Add(alias)
			logger.Info().Str("adapter", alias).Msg("Adapter registered")
			return handler.OK(fmt.Sprintf("Adapter %s registered", alias)), nil
		}),
	)
	if err != nil {
		return nil, err
	}

	unload, err := f.Create(capability.UnloadAdapter,
		wrapper.WithRequestShape(unloadShape),
		wrapper.WithRequestValidator(validateUnload),
		wrapper.WithSuccessHook(func(_ context.Context, call *wrapper.Call, _ *handler.Response) (*handler.Response, error) {
			alias := AdapterAlias(call.Request, "")
			cfg.Tracker.Remove(alias)
			logger.Info().Str("adapter", alias).Msg("Adapter unregistered")
			return handler.OK(fmt.Sprintf("Adapter %s unregistered", alias)), nil
		}),
	)
	if err != nil {
		return nil, err
	}

	injectShape, err := InjectShape(cfg.InjectPath, cfg.InjectAppend, cfg.InjectSeparator)
	if err != nil {
		return nil, err
	}
	inject, err := f.Create(capability.InjectIdentifier,
		wrapper.WithRequestShape(injectShape),
		wrapper.WithBodyInjection(),
	)
	if err != nil {
		return nil, err
	}

	return &Handlers{Load: load, Unload: unload, Inject: inject}, nil
}

// InjectShape builds the shape that writes the adapter identifier header
// into the body field at path.
func InjectShape(path string, appendValue bool, separator string) (transform.Shape, error) {
	if path == "" {
		path = "model"
	}
	if appendValue && separator == "" {
		return nil, errors.New("separator must be provided when appending the adapter identifier")
	}

	expr := fmt.Sprintf("headers.%q", HeaderAdapterIdentifier)
	var leaf transform.Node = transform.Path{Expr: expr}
	if appendValue {
		leaf = transform.Append{Separator: separator, Expr: expr}
	}

	return transform.At(path, leaf)
}

// RegisterDefaults binds the default injectIdentifier implementation: it
// forwards the rewritten request to invoke.
func RegisterDefaults(registry *capability.Registry, invoke handler.Func) error {
	return registry.RegisterFunc(capability.InjectIdentifier, capability.TierDefault,
		func(ctx context.Context, inv *handler.Invocation) (any, error) {
			return invoke(ctx, &handler.Invocation{Request: inv.Request})
		}, "lora.forwardToInvocation")
}

// AdapterAlias returns the name an adapter is reported under: the alias
// header, then the adapter_name path parameter, then name, then the
// identifier header.
func AdapterAlias(req *handler.Request, name string) string {
	if alias := req.Header(HeaderAdapterAlias); alias != "" {
		return alias
	}
	if p := req.PathParams[PathParamAdapterName]; p != "" {
		return p
	}
	if name != "" {
		return name
	}
	return req.Header(HeaderAdapterIdentifier)
}

func bodyName(req *handler.Request) string {
	body, err := req.JSON()
	if err != nil {
		return ""
	}
	m, _ := body.(map[string]any)
	name, _ := m["name"].(string)
	return name
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateLoad(v *validator.Validate) wrapper.Validator {
	return func(_ context.Context, req *handler.Request) error {
		body, err := req.JSON()
		if err != nil {
			return handler.BadRequest("The request body is invalid.", err)
		}
		m, ok := body.(map[string]any)
		if !ok {
			return handler.BadRequest("The request body is invalid.", nil)
		}

		var lr LoadRequest
		lr.Name, _ = m["name"].(string)
		lr.Src, _ = m["src"].(string)
		if err := v.Struct(lr); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return handler.BadRequest(fmt.Sprintf("The parameter %s is required", verrs[0].Field()), err)
			}
			return handler.BadRequest("The request body is invalid.", err)
		}
		return nil
	}
}

func validateUnload(_ context.Context, req *handler.Request) error {
	if req.PathParams[PathParamAdapterName] == "" {
		return handler.Internal("Malformed request path; missing path parameter: "+PathParamAdapterName, nil)
	}
	return nil
}
