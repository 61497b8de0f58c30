package transform

import (
	"net/http"
	"strings"
)

// Source is the per-request document path expressions are evaluated
// against.
type Source struct {
	Body        any
	Headers     http.Header
	PathParams  map[string]string
	QueryParams map[string]string
}

// Document returns a fresh search document. Headers are reachable under
// both their canonical and lower-case names, so headers."X-Request-Id" and
// headers."x-request-id" find the same value.
func (s Source) Document() map[string]any {
	headers := make(map[string]any, len(s.Headers)*2)
	for name, values := range s.Headers {
		if len(values) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		headers[canonical] = values[0]
		headers[strings.ToLower(name)] = values[0]
	}

	path := stringMap(s.PathParams)
	query := stringMap(s.QueryParams)

	return map[string]any{
		"body":         s.Body,
		"headers":      headers,
		"pathParams":   path,
		"path_params":  path,
		"queryParams":  query,
		"query_params": query,
	}
}

// ResponseDocument returns the search document for response-side shapes.
func ResponseDocument(status int, headers map[string]string, body any) map[string]any {
	h := make(map[string]any, len(headers)*2)
	for name, value := range headers {
		h[http.CanonicalHeaderKey(name)] = value
		h[strings.ToLower(name)] = value
	}
	return map[string]any{
		"body":        body,
		"headers":     h,
		"statusCode":  float64(status),
		"status_code": float64(status),
	}
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
