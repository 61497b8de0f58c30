package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Func is the uniform callable shape every capability implementation is
// reduced to, whether it was written in Go, loaded from a script, or
// exported by a WebAssembly module.
type Func func(ctx context.Context, inv *Invocation) (any, error)

// Invocation carries the arguments of a single capability call.
type Invocation struct {
	// Data is the transformed request. It is nil when no request shape was
	// applied or when the shape produced nothing.
	Data Data

	// Request is the raw transport request, always present.
	Request *Request
}

// Args returns the positional arguments a script callable receives:
// (data, request) when Data is set, (request) otherwise.
func (inv *Invocation) Args() []any {
	if inv.Data != nil {
		return []any{inv.Data, inv.Request}
	}
	return []any{inv.Request}
}

// Request is the transport-level request handed to a capability.
// Treat it as immutable; use WithBody to derive a rewritten copy.
type Request struct {
	Method      string
	Path        string
	Headers     http.Header
	PathParams  map[string]string
	QueryParams map[string]string
	Body        []byte

	decodeOnce sync.Once
	decoded    any
	decodeErr  error
}

// NewRequest creates a request with initialized maps.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{
		Method:      method,
		Path:        path,
		Headers:     make(http.Header),
		PathParams:  make(map[string]string),
		QueryParams: make(map[string]string),
		Body:        body,
	}
}

// JSON decodes the body once and caches the result. An empty body decodes
// to nil without error.
func (r *Request) JSON() (any, error) {
	r.decodeOnce.Do(func() {
		if len(r.Body) == 0 {
			return
		}
		var v any
		if err := json.Unmarshal(r.Body, &v); err != nil {
			r.decodeErr = fmt.Errorf("request body is not valid JSON: %w", err)
			return
		}
		r.decoded = v
	})
	return r.decoded, r.decodeErr
}

// Header returns the first value of a header, case-insensitively.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// WithBody returns a copy of the request carrying a new JSON body.
func (r *Request) WithBody(body any) (*Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	clone := &Request{
		Method:      r.Method,
		Path:        r.Path,
		Headers:     r.Headers.Clone(),
		PathParams:  copyStrings(r.PathParams),
		QueryParams: copyStrings(r.QueryParams),
		Body:        data,
	}
	return clone, nil
}

// Response is a structured capability result. Implementations may return any
// value; the wrapper normalizes non-Response values to a 200 response.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// OK builds a 200 response.
func OK(body any) *Response {
	return &Response{Status: http.StatusOK, Body: body}
}

// IsSuccess reports whether the status is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// SetHeader sets a response header, allocating the map if needed.
func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// Normalize converts an arbitrary implementation result into a Response.
func Normalize(result any) *Response {
	switch v := result.(type) {
	case *Response:
		if v == nil {
			return OK(nil)
		}
		if v.Status == 0 {
			v.Status = http.StatusOK
		}
		return v
	case Response:
		if v.Status == 0 {
			v.Status = http.StatusOK
		}
		return &v
	default:
		return OK(result)
	}
}

// Data is an attribute-addressable view of a transformed request.
type Data map[string]any

// Get returns the value at key.
func (d Data) Get(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

// String returns the value at key formatted as a string, or "" if absent.
func (d Data) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Object returns the nested object at key, or nil.
func (d Data) Object(key string) Data {
	if m, ok := d[key].(map[string]any); ok {
		return Data(m)
	}
	return nil
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
