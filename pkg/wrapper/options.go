package wrapper

import (
	"context"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/transform"
)

// Call describes one dispatch, as seen by hooks.
type Call struct {
	Capability string

	// Request is the request as received, before any body injection.
	Request *handler.Request

	// Output is what the implementation was called with.
	Output Output
}

// Output is the result of the request-side transform.
type Output struct {
	// Transformed is nil when no request shape ran, the shape was empty, or
	// the output was injected into the request body.
	Transformed handler.Data

	// Raw is the request handed to the implementation.
	Raw *handler.Request
}

// Hook post-processes a normalized response. Hooks run after the response
// or error shape.
type Hook func(ctx context.Context, call *Call, resp *handler.Response) (*handler.Response, error)

// Validator checks a raw request before any transform runs. A returned
// *handler.StatusError carries its own status; other errors map to 400.
type Validator func(ctx context.Context, req *handler.Request) error

type settings struct {
	requestShape  *transform.Shape
	responseShape *transform.Shape
	errorShape    *transform.Shape
	defaults      map[string]any
	injectBody    bool
	onSuccess     Hook
	onError       Hook
	validators    []Validator
	source        string
}

// Option configures a wrapper.
type Option func(*settings)

// WithRequestShape rewrites the request before the implementation runs.
// An empty shape is valid: the implementation then receives only the raw
// request.
func WithRequestShape(shape transform.Shape) Option {
	return func(s *settings) {
		s.requestShape = &shape
	}
}

// WithResponseShape rewrites the body of successful responses.
func WithResponseShape(shape transform.Shape) Option {
	return func(s *settings) {
		s.responseShape = &shape
	}
}

// WithErrorShape rewrites the body of non-2xx responses.
func WithErrorShape(shape transform.Shape) Option {
	return func(s *settings) {
		s.errorShape = &shape
	}
}

// WithRequestDefaults seeds the request-side output before the shape is
// applied. Values extracted from the request take precedence; append nodes
// extend them.
func WithRequestDefaults(defaults map[string]any) Option {
	return func(s *settings) {
		s.defaults = defaults
	}
}

// WithBodyInjection merges the request-side output into a copy of the JSON
// request body. The implementation receives only the rewritten request.
func WithBodyInjection() Option {
	return func(s *settings) {
		s.injectBody = true
	}
}

// WithSuccessHook runs hook on 2xx responses.
func WithSuccessHook(hook Hook) Option {
	return func(s *settings) {
		s.onSuccess = hook
	}
}

// WithErrorHook runs hook on non-2xx responses.
func WithErrorHook(hook Hook) Option {
	return func(s *settings) {
		s.onError = hook
	}
}

// WithRequestValidator adds a check run before the request transform.
func WithRequestValidator(v Validator) Option {
	return func(s *settings) {
		s.validators = append(s.validators, v)
	}
}

// WithSource names the implementation passed to Decorate in diagnostics.
func WithSource(source string) Option {
	return func(s *settings) {
		s.source = source
	}
}
