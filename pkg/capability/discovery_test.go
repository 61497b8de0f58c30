package capability

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
	"github.com/openfroyo/hostkit/pkg/scripting"
)

func newScriptResolver(registry *Registry) *reference.Resolver {
	cfg := scripting.Config{Registrar: registry}
	return reference.NewResolver(zerolog.Nop(), scripting.ResolverOptions(cfg, zerolog.Nop())...)
}

func writeModel(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "model.star")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write model script: %v", err)
	}
	return path
}

func invoke(t *testing.T, r *Registry, capability string) any {
	t.Helper()
	b, err := r.Resolve(context.Background(), capability)
	if err != nil {
		t.Fatalf("Resolve(%s) error = %v", capability, err)
	}
	out, err := b.Fn(context.Background(), &handler.Invocation{Request: handler.NewRequest(http.MethodPost, "/invocations", nil)})
	if err != nil {
		t.Fatalf("%s handler error = %v", capability, err)
	}
	return out
}

func TestDiscoverer_Discover(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   map[string]string
	}{
		{
			name: "conventional names",
			script: `
def custom_ping_handler(request):
    return "custom-ping"

def custom_load_adapter_handler(request):
    return "loaded"
`,
			want: map[string]string{Ping: "custom-ping", LoadAdapter: "loaded"},
		},
		{
			name: "legacy names",
			script: `
def ping(request):
    return "legacy-ping"

def invoke(request):
    return "legacy-invoke"
`,
			want: map[string]string{Ping: "legacy-ping", Invocation: "legacy-invoke"},
		},
		{
			name:   "no handlers",
			script: "x = 1\n",
			want:   map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(zerolog.Nop())
			path := writeModel(t, t.TempDir(), tt.script)
			d := NewDiscoverer(registry, newScriptResolver(registry), path, zerolog.Nop())

			bindings, err := d.Discover(context.Background())
			if err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
			if len(bindings) != len(tt.want) {
				t.Errorf("discovered %d bindings, want %d", len(bindings), len(tt.want))
			}
			for capability, want := range tt.want {
				if got := invoke(t, registry, capability); got != want {
					t.Errorf("%s returned %v, want %v", capability, got, want)
				}
			}
		})
	}
}

func TestDiscoverer_ConflictingNames(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	path := writeModel(t, t.TempDir(), `
def ping(request):
    return "a"

def custom_ping_handler(request):
    return "b"
`)
	d := NewDiscoverer(registry, newScriptResolver(registry), path, zerolog.Nop())

	_, err := d.Discover(context.Background())
	var dce *DiscoveryConflictError
	if !errors.As(err, &dce) || dce.Capability != Ping || len(dce.Symbols) != 2 {
		t.Fatalf("Discover() error = %v, want DiscoveryConflictError", err)
	}
	if len(registry.Names()) != 0 {
		t.Error("conflicting script must not bind anything")
	}
}

func TestDiscoverer_MissingScript(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "model.star")
	d := NewDiscoverer(registry, newScriptResolver(registry), path, zerolog.Nop())

	bindings, err := d.Discover(context.Background())
	if err != nil || len(bindings) != 0 {
		t.Errorf("Discover() = (%v, %v), want no bindings and no error", bindings, err)
	}
}

func TestDiscoverer_BrokenScript(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	path := writeModel(t, t.TempDir(), "def broken(:\n")
	d := NewDiscoverer(registry, newScriptResolver(registry), path, zerolog.Nop())

	if _, err := d.Discover(context.Background()); err == nil {
		t.Error("expected load error for broken script")
	}
}

func TestDiscoverer_ExplicitRegistrationConflict(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	path := writeModel(t, t.TempDir(), `
def custom_invocation_handler(request):
    return "discovered"

def chosen(request):
    return "explicit"

register_handler("invocation", chosen)
`)
	d := NewDiscoverer(registry, newScriptResolver(registry), path, zerolog.Nop())
	if _, err := d.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if got := invoke(t, registry, Invocation); got != "explicit" {
		t.Errorf("invocation returned %v, want explicit", got)
	}
	if conflicts := registry.Conflicts(); len(conflicts) != 1 || conflicts[0].Capability != Invocation {
		t.Errorf("Conflicts() = %+v, want invocation conflict", conflicts)
	}
}

func TestDiscoverer_Reload(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	dir := t.TempDir()
	path := writeModel(t, dir, `
def custom_ping_handler(request):
    return "v1"

def custom_close_session_handler(request):
    return "closed"
`)
	d := NewDiscoverer(registry, newScriptResolver(registry), path, zerolog.Nop())
	if _, err := d.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	resolved, err := registry.Resolve(context.Background(), Ping)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	writeModel(t, dir, `
def custom_ping_handler(request):
    return "v2"
`)
	if _, err := d.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	out, err := resolved.Fn(context.Background(), &handler.Invocation{Request: handler.NewRequest(http.MethodGet, "/ping", nil)})
	if err != nil || out != "v2" {
		t.Errorf("previously resolved binding returned (%v, %v), want v2", out, err)
	}
	if _, err := registry.Resolve(context.Background(), CloseSession); err == nil {
		t.Error("removed handler should no longer resolve")
	}
}

func TestDiscoverer_Watch(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	dir := t.TempDir()
	path := writeModel(t, dir, "def ping(request):\n    return \"before\"\n")
	d := NewDiscoverer(registry, newScriptResolver(registry), path, zerolog.Nop())
	if _, err := d.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeModel(t, dir, "def ping(request):\n    return \"after\"\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := registry.Resolve(ctx, Ping); err == nil {
			out, err := b.Fn(ctx, &handler.Invocation{Request: handler.NewRequest(http.MethodGet, "/ping", nil)})
			if err == nil && out == "after" {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("model script change was not picked up")
}
