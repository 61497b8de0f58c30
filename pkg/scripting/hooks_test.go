package scripting

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
)

type recordingHooks struct {
	mu      sync.Mutex
	sources map[string]string
	funcs   map[string]handler.Func
	err     error
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{sources: map[string]string{}, funcs: map[string]handler.Func{}}
}

func (r *recordingHooks) ForgetScriptHooks(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, source := range r.sources {
		if strings.HasPrefix(source, location+":") {
			delete(r.sources, kind)
			delete(r.funcs, kind)
		}
	}
}

func (r *recordingHooks) RegisterScriptHook(kind string, fn handler.Func, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sources[kind] = source
	r.funcs[kind] = fn
	return nil
}

const starlarkFormatters = `
def fmt_in(request):
    return {"inputs": request.text}

def fmt_out(data):
    return {"generated": data.body, "status": data.status}

def gate(request):
    return request.headers.get("x-tenant") != "blocked"

input_formatter(fmt_in)
output_formatter(fmt_out)
register_middleware("throttle", gate)
`

const jsFormatters = `
function fmt_in(request) {
  return { inputs: request.text };
}

function both(data, request) {
  return data.phase;
}

input_formatter(fmt_in);
register_middleware("pre_post_process", both);
`

func TestLoaders_RegisterHooks(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		source    string
		wantKinds map[string]string
	}{
		{
			name:      "starlark",
			file:      "model.star",
			source:    starlarkFormatters,
			wantKinds: map[string]string{hookPre: "fmt_in", hookPost: "fmt_out", hookThrottle: "gate"},
		},
		{
			name:      "javascript",
			file:      "model.js",
			source:    jsFormatters,
			wantKinds: map[string]string{hookPre: "fmt_in", hookPrePost: "both"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, tt.file, tt.source)
			recorded := newRecordingHooks()
			cfg := Config{Registrar: newRecordingRegistrar(), Hooks: recorded}
			if tt.file == "model.js" {
				loadUnit(t, NewJSLoader(cfg, zerolog.Nop()), path)
			} else {
				loadUnit(t, NewStarlarkLoader(cfg, zerolog.Nop()), path)
			}

			if len(recorded.sources) != len(tt.wantKinds) {
				t.Errorf("registered %v, want %v", recorded.sources, tt.wantKinds)
			}
			for kind, symbol := range tt.wantKinds {
				if got := recorded.sources[kind]; got != path+":"+symbol {
					t.Errorf("%s source = %q, want %q", kind, got, path+":"+symbol)
				}
			}

			out, err := recorded.funcs[hookPre](context.Background(), &handler.Invocation{Request: jsonRequest("hello")})
			if err != nil {
				t.Fatalf("input formatter error = %v", err)
			}
			if m, ok := out.(map[string]any); !ok || m["inputs"] != "hello" {
				t.Errorf("input formatter returned %#v", out)
			}
		})
	}
}

func TestStarlarkHooks_Call(t *testing.T) {
	path := writeScript(t, "model.star", starlarkFormatters)
	recorded := newRecordingHooks()
	loadUnit(t, NewStarlarkLoader(Config{Registrar: newRecordingRegistrar(), Hooks: recorded}, zerolog.Nop()), path)

	out, err := recorded.funcs[hookPost](context.Background(), &handler.Invocation{
		Data:    handler.Data{"status": 200, "body": map[string]any{"text": "hi"}, "headers": map[string]any{}},
		Request: jsonRequest(""),
	})
	if err != nil {
		t.Fatalf("output formatter error = %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["status"] != int64(200) {
		t.Fatalf("output formatter returned %#v", out)
	}
	if body, _ := m["generated"].(map[string]any); body["text"] != "hi" {
		t.Errorf("generated = %#v", m["generated"])
	}

	tests := []struct {
		tenant string
		want   bool
	}{
		{tenant: "acme", want: true},
		{tenant: "blocked", want: false},
	}
	for _, tt := range tests {
		req := jsonRequest("")
		req.Headers.Set("X-Tenant", tt.tenant)
		out, err := recorded.funcs[hookThrottle](context.Background(), &handler.Invocation{Request: req})
		if err != nil || out != tt.want {
			t.Errorf("throttle(%s) = (%v, %v), want %v", tt.tenant, out, err, tt.want)
		}
	}
}

func TestLoaders_HookErrors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		source   string
		rejected error
		wantMsg  string
	}{
		{
			name:    "starlark duplicate input formatter",
			file:    "model.star",
			source:  "def a(r):\n    return r\n\ndef b(r):\n    return r\n\ninput_formatter(a)\ninput_formatter(b)\n",
			wantMsg: "input formatter is already registered",
		},
		{
			name:    "starlark middleware name not allowed",
			file:    "model.star",
			source:  "def a(r):\n    return r\n\nregister_middleware(\"auth\", a)\n",
			wantMsg: `middleware "auth" is not allowed`,
		},
		{
			name:    "javascript duplicate output formatter",
			file:    "model.js",
			source:  "function a(d) { return d; }\noutput_formatter(a);\noutput_formatter(a);\n",
			wantMsg: "output formatter is already registered",
		},
		{
			name:    "javascript middleware name not allowed",
			file:    "model.js",
			source:  "function a(r) { return r; }\nregister_middleware(\"auth\", a);\n",
			wantMsg: `middleware "auth" is not allowed`,
		},
		{
			name:     "registry rejects the hook",
			file:     "model.star",
			source:   "def a(r):\n    return r\n\ninput_formatter(a)\n",
			rejected: errors.New("pre_process hook is already registered by other.star:a"),
			wantMsg:  "already registered by other.star:a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, tt.file, tt.source)
			recorded := newRecordingHooks()
			recorded.err = tt.rejected
			cfg := Config{Registrar: newRecordingRegistrar(), Hooks: recorded}

			var err error
			if tt.file == "model.js" {
				_, err = NewJSLoader(cfg, zerolog.Nop()).Load(context.Background(), path)
			} else {
				_, err = NewStarlarkLoader(cfg, zerolog.Nop()).Load(context.Background(), path)
			}

			var se *ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("Load() error = %v, want ScriptError", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestStarlarkLoader_NoHookBuiltinsWithoutRegistry(t *testing.T) {
	path := writeScript(t, "model.star", starlarkFormatters)
	_, err := NewStarlarkLoader(Config{Registrar: newRecordingRegistrar()}, zerolog.Nop()).Load(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "input_formatter") {
		t.Errorf("Load() error = %v, want undefined input_formatter", err)
	}
}

func TestStarlarkLoader_ReloadDropsRemovedHooks(t *testing.T) {
	path := writeScript(t, "model.star", starlarkFormatters)
	recorded := newRecordingHooks()
	loader := NewStarlarkLoader(Config{Registrar: newRecordingRegistrar(), Hooks: recorded}, zerolog.Nop())
	loadUnit(t, loader, path)

	if err := os.WriteFile(path, []byte("def fmt_in(request):\n    return request.text\n\ninput_formatter(fmt_in)\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite script: %v", err)
	}
	loadUnit(t, loader, path)

	if len(recorded.sources) != 1 || recorded.sources[hookPre] != path+":fmt_in" {
		t.Errorf("registered %v after reload, want only the input formatter", recorded.sources)
	}
}
