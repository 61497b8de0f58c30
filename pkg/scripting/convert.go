package scripting

import (
	"net/http"
	"strings"

	"github.com/openfroyo/hostkit/pkg/handler"
)

// requestView is the plain-data view of a request handed to scripts.
func requestView(req *handler.Request) map[string]any {
	if req == nil {
		return map[string]any{}
	}

	headers := make(map[string]any, len(req.Headers))
	for name, values := range req.Headers {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	view := map[string]any{
		"method":       req.Method,
		"path":         req.Path,
		"headers":      headers,
		"path_params":  stringsToAny(req.PathParams),
		"query_params": stringsToAny(req.QueryParams),
		"text":         string(req.Body),
		"body":         nil,
	}
	if body, err := req.JSON(); err == nil {
		view["body"] = body
	}
	return view
}

// responseFromMap builds a response from a script's response(...) value.
func responseFromMap(m map[string]any) *handler.Response {
	resp := &handler.Response{Status: http.StatusOK, Body: m["body"]}
	if status, ok := toInt(m["status"]); ok && status > 0 {
		resp.Status = status
	}
	if headers, ok := m["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				resp.SetHeader(k, s)
			}
		}
	}
	return resp
}

func stringsToAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
