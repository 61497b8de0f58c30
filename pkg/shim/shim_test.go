package shim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/config"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
	"github.com/openfroyo/hostkit/pkg/sessions"
	"github.com/openfroyo/hostkit/pkg/telemetry"
	"github.com/openfroyo/hostkit/pkg/transform"
)

const modelScript = `
def custom_invocation_handler(request):
    return {"echo": request.body}
`

func newTestShim(t *testing.T, mutate func(*config.Settings), opts ...Option) *Shim {
	t.Helper()
	return newScriptShim(t, modelScript, mutate, opts...)
}

func newScriptShim(t *testing.T, script string, mutate func(*config.Settings), opts ...Option) *Shim {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "model.star"), []byte(script), 0644); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	settings := config.Default()
	settings.ModelPath = dir
	settings.Sessions.Enabled = true
	if mutate != nil {
		mutate(settings)
	}

	opts = append([]Option{
		WithTelemetry(telemetry.Nop()),
		WithOverrides(capability.StaticOverrides{}),
		WithHookEnv(func(string) string { return "" }),
	}, opts...)
	s, err := New(context.Background(), settings, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, s *Shim, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response %q is not JSON: %v", rec.Body.String(), err)
	}
	return out
}

func TestShim_PingAndInvocation(t *testing.T) {
	s := newTestShim(t, nil)

	rec := do(t, s, http.MethodGet, "/ping", "", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("ping = %d %q", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/invocations", `{"inputs": "hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invocation = %d %s", rec.Code, rec.Body.String())
	}
	echo, _ := decode(t, rec)["echo"].(map[string]any)
	if echo["inputs"] != "hi" {
		t.Errorf("echo = %v", echo)
	}

	b, err := s.Registry.Resolve(context.Background(), capability.Invocation)
	if err != nil || b.Tier != capability.TierDiscovered {
		t.Errorf("invocation binding = %+v, %v", b, err)
	}
}

func TestShim_InjectIdentifier(t *testing.T) {
	s := newTestShim(t, func(cfg *config.Settings) {
		cfg.Adapters.InjectPath = "parameters.adapter"
	})

	rec := do(t, s, http.MethodPost, "/invocations", `{"inputs": "hi"}`, map[string]string{
		"X-Amzn-SageMaker-Adapter-Identifier": "a1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("invocation = %d %s", rec.Code, rec.Body.String())
	}
	echo, _ := decode(t, rec)["echo"].(map[string]any)
	params, _ := echo["parameters"].(map[string]any)
	if params["adapter"] != "a1" || echo["inputs"] != "hi" {
		t.Errorf("echo = %v", echo)
	}
}

func TestShim_Sessions(t *testing.T) {
	s := newTestShim(t, nil)

	rec := do(t, s, http.MethodPost, "/invocations", `{"requestType": "NEW_SESSION"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	header := rec.Header().Get(sessions.HeaderNewSessionID)
	id, _, ok := strings.Cut(header, ";")
	if !ok || id == "" {
		t.Fatalf("new session header = %q", header)
	}
	if !strings.HasPrefix(rec.Body.String(), "Successfully created session: ") {
		t.Errorf("create body = %q", rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/invocations", `{"inputs": "hi"}`, map[string]string{sessions.HeaderSessionID: id})
	if rec.Code != http.StatusOK {
		t.Errorf("invocation in session = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/invocations", `{"inputs": "hi"}`, map[string]string{sessions.HeaderSessionID: "unknown"})
	if rec.Code != http.StatusBadRequest || !strings.HasPrefix(decode(t, rec)["detail"].(string), "Bad request: ") {
		t.Errorf("unknown session = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/invocations", `{"requestType": "CLOSE"}`, map[string]string{sessions.HeaderSessionID: id})
	if rec.Code != http.StatusOK || rec.Header().Get(sessions.HeaderClosedSessionID) != id {
		t.Errorf("close = %d %s %v", rec.Code, rec.Body.String(), rec.Header())
	}

	rec = do(t, s, http.MethodPost, "/invocations", `{"requestType": "CLOSE"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("close without header = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/invocations", `{"requestType": "PAUSE"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown requestType = %d", rec.Code)
	}
}

func TestShim_SessionsDisabled(t *testing.T) {
	s := newTestShim(t, func(cfg *config.Settings) {
		cfg.Sessions.Enabled = false
	})

	rec := do(t, s, http.MethodPost, "/invocations", `{"requestType": "NEW_SESSION"}`, nil)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["detail"] != sessions.DisabledDetail {
		t.Errorf("create with sessions disabled = %d %s", rec.Code, rec.Body.String())
	}
}

func TestShim_Adapters(t *testing.T) {
	var loaded []string
	modules := reference.NewModuleTable()
	modules.Register("engine.adapters", map[string]handler.Func{
		"load": func(_ context.Context, inv *handler.Invocation) (any, error) {
			loaded = append(loaded, inv.Data.String("lora_name"))
			return "ignored", nil
		},
	})

	s := newTestShim(t, nil,
		WithModules(modules),
		WithOverrides(capability.StaticOverrides{capability.LoadAdapter: "engine.adapters:load"}),
	)

	rec := do(t, s, http.MethodPost, "/adapters", `{"name": "a1", "src": "/opt/adapters/a1"}`, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "Adapter a1 registered" {
		t.Fatalf("load = %d %q", rec.Code, rec.Body.String())
	}
	if len(loaded) != 1 || loaded[0] != "a1" {
		t.Errorf("engine saw %v", loaded)
	}
	if got := s.Adapters.List(); len(got) != 1 || got[0] != "a1" {
		t.Errorf("tracked adapters = %v", got)
	}

	rec = do(t, s, http.MethodPost, "/adapters", `{"name": "a2"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("load without src = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodDelete, "/adapters/a1", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("unload without implementation = %d %s", rec.Code, rec.Body.String())
	}
}

func TestShim_Policy(t *testing.T) {
	modules := reference.NewModuleTable()
	modules.Register("engine.adapters", map[string]handler.Func{
		"load": func(context.Context, *handler.Invocation) (any, error) { return nil, nil },
	})

	s := newTestShim(t, func(cfg *config.Settings) {
		cfg.Policy.Enabled = true
	},
		WithModules(modules),
		WithOverrides(capability.StaticOverrides{capability.LoadAdapter: "engine.adapters:load"}),
	)

	rec := do(t, s, http.MethodPost, "/adapters", `{"name": "bad name!", "src": "/opt/a"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("policy violation = %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/adapters", `{"name": "good", "src": "/opt/a"}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("admitted load = %d %s", rec.Code, rec.Body.String())
	}
}

func TestShim_ConfiguredShapes(t *testing.T) {
	s := newTestShim(t, func(cfg *config.Settings) {
		response := transform.Shape{"generated": transform.Path{Expr: "body.echo.inputs"}}
		cfg.Capabilities[capability.Invocation] = config.CapabilityConfig{Response: &response}
	})

	rec := do(t, s, http.MethodPost, "/invocations", `{"inputs": "hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invocation = %d %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec); got["generated"] != "hi" {
		t.Errorf("shaped response = %v", got)
	}
}

func TestNew_InvalidShape(t *testing.T) {
	settings := config.Default()
	settings.ModelPath = t.TempDir()
	bad := transform.Shape{"model": transform.Append{Expr: "headers.x"}}
	settings.Capabilities[capability.Invocation] = config.CapabilityConfig{Request: &bad}

	if _, err := New(context.Background(), settings, WithTelemetry(telemetry.Nop())); err == nil {
		t.Fatal("expected compile error for empty append separator")
	}
}

func TestNew_MalformedOverride(t *testing.T) {
	settings := config.Default()
	settings.ModelPath = t.TempDir()

	_, err := New(context.Background(), settings,
		WithTelemetry(telemetry.Nop()),
		WithOverrides(capability.StaticOverrides{capability.Ping: "no_separator_here"}),
	)
	var malformed *reference.MalformedReferenceError
	if !errors.As(err, &malformed) {
		t.Fatalf("New() error = %v, want MalformedReferenceError", err)
	}
}

func TestShim_UnknownRoute(t *testing.T) {
	s := newTestShim(t, nil)
	rec := do(t, s, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound || decode(t, rec)["detail"] != "Not Found" {
		t.Errorf("unknown route = %d %s", rec.Code, rec.Body.String())
	}
}

const formatterScript = `
def custom_invocation_handler(request):
    return {"echo": request.body}

def fmt_in(request):
    return {"inputs": request.text.upper()}

def fmt_out(data):
    return {"result": data.body["echo"], "status": data.status}

def fmt_env(request):
    return {"inputs": "from env"}

input_formatter(fmt_in)
output_formatter(fmt_out)
`

func TestShim_ScriptFormatters(t *testing.T) {
	s := newScriptShim(t, formatterScript, nil)

	rec := do(t, s, http.MethodPost, "/invocations", "hi", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invocation = %d %s", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	result, _ := got["result"].(map[string]any)
	if result["inputs"] != "HI" || got["status"] != float64(200) {
		t.Errorf("invocation = %v, want formatted input and output", got)
	}
}

func TestShim_HookEnv(t *testing.T) {
	modules := reference.NewModuleTable()
	modules.Register("hooks.gate", map[string]handler.Func{
		"deny_blocked": func(_ context.Context, inv *handler.Invocation) (any, error) {
			return inv.Request.Headers.Get("X-Tenant") != "blocked", nil
		},
	})

	tests := []struct {
		name       string
		env        map[string]string
		headers    map[string]string
		wantStatus int
		wantInputs string
	}{
		{
			name:       "script formatter without overrides",
			wantStatus: http.StatusOK,
			wantInputs: "HI",
		},
		{
			name:       "environment beats the script formatter",
			env:        map[string]string{"CUSTOM_PRE_PROCESS": "model:fmt_env"},
			wantStatus: http.StatusOK,
			wantInputs: "from env",
		},
		{
			name:       "throttle admits",
			env:        map[string]string{"CUSTOM_FASTAPI_MIDDLEWARE_THROTTLE": "hooks.gate:deny_blocked"},
			headers:    map[string]string{"X-Tenant": "acme"},
			wantStatus: http.StatusOK,
			wantInputs: "HI",
		},
		{
			name:       "throttle rejects",
			env:        map[string]string{"CUSTOM_FASTAPI_MIDDLEWARE_THROTTLE": "hooks.gate:deny_blocked"},
			headers:    map[string]string{"X-Tenant": "blocked"},
			wantStatus: http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScriptShim(t, formatterScript, nil,
				WithModules(modules),
				WithHookEnv(func(name string) string { return tt.env[name] }),
			)

			rec := do(t, s, http.MethodPost, "/invocations", "hi", tt.headers)
			if rec.Code != tt.wantStatus {
				t.Fatalf("invocation = %d %s, want %d", rec.Code, rec.Body.String(), tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			result, _ := decode(t, rec)["result"].(map[string]any)
			if result["inputs"] != tt.wantInputs {
				t.Errorf("inputs = %v, want %q", result["inputs"], tt.wantInputs)
			}
		})
	}
}

func TestNew_MalformedHookEnv(t *testing.T) {
	settings := config.Default()
	settings.ModelPath = t.TempDir()

	_, err := New(context.Background(), settings,
		WithTelemetry(telemetry.Nop()),
		WithOverrides(capability.StaticOverrides{}),
		WithHookEnv(func(name string) string {
			if name == "CUSTOM_POST_PROCESS" {
				return "no_separator_here"
			}
			return ""
		}),
	)
	var malformed *reference.MalformedReferenceError
	if !errors.As(err, &malformed) {
		t.Fatalf("New() error = %v, want MalformedReferenceError", err)
	}
}
