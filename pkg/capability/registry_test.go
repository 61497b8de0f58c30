package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/reference"
)

func constFunc(v string) handler.Func {
	return func(context.Context, *handler.Invocation) (any, error) {
		return v, nil
	}
}

func call(t *testing.T, b *Binding) any {
	t.Helper()
	out, err := b.Fn(context.Background(), &handler.Invocation{Request: handler.NewRequest(http.MethodGet, "/ping", nil)})
	if err != nil {
		t.Fatalf("binding returned error: %v", err)
	}
	return out
}

// stubLoader resolves every reference to a function returning the reference string.
type stubLoader struct {
	calls atomic.Int32
	err   error
}

func (l *stubLoader) Resolve(_ context.Context, ref string) (*reference.Resolved, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	loc, err := reference.ParseLocator(ref)
	if err != nil {
		return nil, err
	}
	return &reference.Resolved{Locator: loc, Fn: constFunc(ref)}, nil
}

func TestSnakeCaseAndCandidates(t *testing.T) {
	tests := []struct {
		capability string
		snake      string
		candidates []string
	}{
		{Ping, "ping", []string{"custom_ping_handler", "ping"}},
		{Invocation, "invocation", []string{"custom_invocation_handler", "invoke"}},
		{LoadAdapter, "load_adapter", []string{"custom_load_adapter_handler"}},
		{InjectIdentifier, "inject_identifier", []string{"custom_inject_identifier_handler"}},
	}

	for _, tt := range tests {
		t.Run(tt.capability, func(t *testing.T) {
			if got := SnakeCase(tt.capability); got != tt.snake {
				t.Errorf("SnakeCase() = %q, want %q", got, tt.snake)
			}
			got := Candidates(tt.capability)
			if fmt.Sprint(got) != fmt.Sprint(tt.candidates) {
				t.Errorf("Candidates() = %v, want %v", got, tt.candidates)
			}
		})
	}
}

func TestEnvOverrides_Variable(t *testing.T) {
	tests := []struct {
		transport  string
		capability string
		want       string
	}{
		{"", Ping, "CUSTOM_HTTP_PING_HANDLER"},
		{"http", LoadAdapter, "CUSTOM_HTTP_LOAD_ADAPTER_HANDLER"},
		{"grpc", CreateSession, "CUSTOM_GRPC_CREATE_SESSION_HANDLER"},
	}
	for _, tt := range tests {
		got := EnvOverrides{Transport: tt.transport}.Variable(tt.capability)
		if got != tt.want {
			t.Errorf("Variable(%q) = %q, want %q", tt.capability, got, tt.want)
		}
	}
}

func TestRegistry_TierPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier
		want  string
	}{
		{name: "default only", tiers: []Tier{TierDefault}, want: "default"},
		{name: "discovered beats default", tiers: []Tier{TierDefault, TierDiscovered}, want: "discovered"},
		{name: "explicit beats discovered", tiers: []Tier{TierDiscovered, TierExplicit, TierDefault}, want: "explicit"},
		{name: "override beats all", tiers: []Tier{TierDefault, TierExplicit, TierOverride, TierDiscovered}, want: "override"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(zerolog.Nop())
			for _, tier := range tt.tiers {
				if err := r.RegisterFunc(Ping, tier, constFunc(tier.String()), tier.String()); err != nil {
					t.Fatalf("RegisterFunc() error = %v", err)
				}
			}
			b, err := r.Resolve(context.Background(), Ping)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got := call(t, b); got != tt.want {
				t.Errorf("resolved %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_UnregisterFallsThrough(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_ = r.RegisterFunc(Invocation, TierExplicit, constFunc("explicit"), "a")
	_ = r.RegisterFunc(Invocation, TierDefault, constFunc("default"), "b")

	r.Unregister(Invocation, TierExplicit)

	b, err := r.Resolve(context.Background(), Invocation)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if b.Tier != TierDefault {
		t.Errorf("tier = %v, want default", b.Tier)
	}
}

func TestRegistry_Unresolved(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.Resolve(context.Background(), CloseSession)

	var ue *UnresolvedError
	if !errors.As(err, &ue) || ue.Capability != CloseSession {
		t.Fatalf("Resolve() error = %v, want UnresolvedError", err)
	}
	if handler.StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", handler.StatusOf(err))
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	tests := []struct {
		name string
		b    Binding
	}{
		{name: "empty capability", b: Binding{Tier: TierExplicit, Fn: constFunc("x")}},
		{name: "bad tier", b: Binding{Capability: Ping, Tier: Tier(9), Fn: constFunc("x")}},
		{name: "nil func", b: Binding{Capability: Ping, Tier: TierExplicit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.b); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry_LazyOverride(t *testing.T) {
	env := map[string]string{"CUSTOM_HTTP_PING_HANDLER": "handlers.star:fast_ping"}
	var reads atomic.Int32
	loader := &stubLoader{}
	r := NewRegistry(zerolog.Nop(),
		WithLoader(loader),
		WithOverrides(EnvOverrides{Getenv: func(k string) string {
			reads.Add(1)
			return env[k]
		}}),
	)
	_ = r.RegisterFunc(Ping, TierExplicit, constFunc("explicit"), "code")

	if reads.Load() != 0 {
		t.Fatal("override source consulted before first resolution")
	}

	for i := 0; i < 3; i++ {
		b, err := r.Resolve(context.Background(), Ping)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if b.Tier != TierOverride || call(t, b) != "handlers.star:fast_ping" {
			t.Errorf("resolved %+v, want override", b)
		}
	}
	if reads.Load() != 1 || loader.calls.Load() != 1 {
		t.Errorf("reads=%d loads=%d, want 1 each", reads.Load(), loader.calls.Load())
	}

	// Absence is remembered too.
	if _, err := r.Resolve(context.Background(), UnloadAdapter); err == nil {
		t.Error("expected unresolved error")
	}
	_, _ = r.Resolve(context.Background(), UnloadAdapter)
	if reads.Load() != 2 {
		t.Errorf("reads = %d, want 2", reads.Load())
	}
}

func TestRegistry_OverrideFailureIsRetried(t *testing.T) {
	loader := &stubLoader{err: errors.New("boom")}
	r := NewRegistry(zerolog.Nop(),
		WithLoader(loader),
		WithOverrides(StaticOverrides{Invocation: "model.star:missing"}),
	)
	_ = r.RegisterFunc(Invocation, TierDefault, constFunc("default"), "builtin")

	_, err := r.Resolve(context.Background(), Invocation)
	var oe *OverrideError
	if !errors.As(err, &oe) {
		t.Fatalf("Resolve() error = %v, want OverrideError", err)
	}

	loader.err = nil
	b, err := r.Resolve(context.Background(), Invocation)
	if err != nil || b.Tier != TierOverride {
		t.Errorf("second Resolve() = (%+v, %v), want override binding", b, err)
	}
}

func TestRegistry_MalformedOverrideIsNotRetried(t *testing.T) {
	loader := &stubLoader{}
	r := NewRegistry(zerolog.Nop(),
		WithLoader(loader),
		WithOverrides(StaticOverrides{Ping: "no_separator_here"}),
	)
	_ = r.RegisterFunc(Ping, TierDefault, constFunc("default"), "builtin")

	first, err := r.Resolve(context.Background(), Ping)
	var malformed *reference.MalformedReferenceError
	if !errors.As(err, &malformed) {
		t.Fatalf("Resolve() = (%+v, %v), want MalformedReferenceError", first, err)
	}
	_, second := r.Resolve(context.Background(), Ping)
	if second != err {
		t.Errorf("second Resolve() error = %v, want the cached error", second)
	}
	if loader.calls.Load() != 0 {
		t.Errorf("loader called %d times for a malformed reference", loader.calls.Load())
	}

	r.ResetOverride(Ping)
	if _, err := r.Resolve(context.Background(), Ping); !errors.As(err, &malformed) {
		t.Errorf("Resolve() after ResetOverride error = %v", err)
	}
}

func TestRegistry_ValidateOverrides(t *testing.T) {
	tests := []struct {
		name      string
		overrides StaticOverrides
		wantErr   bool
	}{
		{name: "none", overrides: StaticOverrides{}},
		{name: "well formed", overrides: StaticOverrides{Ping: "model.star:ping", Invocation: "engine.handlers:invoke"}},
		{name: "missing separator", overrides: StaticOverrides{Ping: "no_separator_here"}, wantErr: true},
		{name: "empty symbol", overrides: StaticOverrides{LoadAdapter: "model.star:"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &stubLoader{}
			r := NewRegistry(zerolog.Nop(), WithLoader(loader), WithOverrides(tt.overrides))
			err := r.ValidateOverrides(Known...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateOverrides() error = %v, wantErr %v", err, tt.wantErr)
			}
			var oe *OverrideError
			if tt.wantErr && !errors.As(err, &oe) {
				t.Errorf("error = %v, want OverrideError", err)
			}
			if loader.calls.Load() != 0 {
				t.Error("ValidateOverrides loaded code")
			}
		})
	}
}

func TestRegistry_RemovingTiersFallsThroughInOrder(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	for _, tier := range []Tier{TierDefault, TierDiscovered, TierExplicit, TierOverride} {
		_ = r.RegisterFunc(Ping, tier, constFunc(tier.String()), tier.String())
	}

	for _, tier := range []Tier{TierOverride, TierExplicit, TierDiscovered, TierDefault} {
		b, err := r.Resolve(context.Background(), Ping)
		if err != nil {
			t.Fatalf("Resolve() with %v on top error = %v", tier, err)
		}
		if b.Tier != tier || call(t, b) != tier.String() {
			t.Fatalf("resolved %v, want %v", b.Tier, tier)
		}
		r.Unregister(Ping, tier)
	}

	var ue *UnresolvedError
	if _, err := r.Resolve(context.Background(), Ping); !errors.As(err, &ue) {
		t.Errorf("Resolve() with no tiers error = %v, want UnresolvedError", err)
	}
}

func TestRegistry_Version(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	v0 := r.Version()

	_ = r.RegisterFunc(Ping, TierDefault, constFunc("default"), "a")
	v1 := r.Version()
	if v1 == v0 {
		t.Error("Register did not change the version")
	}
	if _, err := r.Resolve(context.Background(), Ping); err != nil || r.Version() != v1 {
		t.Errorf("Resolve changed the version (err=%v)", err)
	}
	r.Unregister(Ping, TierDefault)
	if r.Version() == v1 {
		t.Error("Unregister did not change the version")
	}
}

func TestRegistry_ConcurrentFirstResolve(t *testing.T) {
	loader := &stubLoader{}
	r := NewRegistry(zerolog.Nop(),
		WithLoader(loader),
		WithOverrides(StaticOverrides{Ping: "model.star:ping"}),
	)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), Ping); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Resolve() error = %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Errorf("override resolved %d times, want 1", loader.calls.Load())
	}
}

func TestRegistry_Conflicts(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_ = r.RegisterFunc(Invocation, TierDiscovered, constFunc("d"), "model.star:custom_invocation_handler")
	_ = r.RegisterFunc(Invocation, TierExplicit, constFunc("e"), "app.handle")
	_ = r.RegisterFunc(Ping, TierDiscovered, constFunc("d"), "model.star:ping")
	_ = r.RegisterFunc(Ping, TierExplicit, constFunc("d"), "model.star:ping")

	conflicts := r.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("Conflicts() = %+v, want one", conflicts)
	}
	want := Conflict{Capability: Invocation, Explicit: "app.handle", Discovered: "model.star:custom_invocation_handler"}
	if conflicts[0] != want {
		t.Errorf("conflict = %+v, want %+v", conflicts[0], want)
	}

	b, _ := r.Resolve(context.Background(), Invocation)
	if b.Tier != TierExplicit {
		t.Errorf("tier = %v, want explicit", b.Tier)
	}

	r.Unregister(Invocation, TierDiscovered)
	if len(r.Conflicts()) != 0 {
		t.Error("conflict should clear once the discovered binding is gone")
	}
}

func TestRegistry_BindingsAndNames(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_ = r.RegisterFunc(Ping, TierDefault, constFunc("a"), "builtin")
	_ = r.RegisterFunc(Ping, TierExplicit, constFunc("b"), "code")
	_ = r.RegisterFunc(Invocation, TierDiscovered, constFunc("c"), "model.star:invoke")

	if got := fmt.Sprint(r.Names()); got != "[invocation ping]" {
		t.Errorf("Names() = %s", got)
	}
	bindings := r.Bindings()
	if len(bindings) != 3 || bindings[1].Tier != TierExplicit || bindings[2].Tier != TierDefault {
		t.Errorf("Bindings() = %+v", bindings)
	}

	r.Reset()
	if len(r.Names()) != 0 {
		t.Error("Reset() left bindings behind")
	}
}
