package policy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/handler"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"adapter-naming",
		"adapter-source",
		"session-identifier",
	}

	for _, expected := range expectedPolicies {
		if _, err := eng.GetPolicy(expected); err != nil {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}

	if got := newTestEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("WithoutBuiltins loaded %d policies", len(got))
	}
}

func loadRequest(body, alias string) *handler.Request {
	req := handler.NewRequest(http.MethodPost, "/adapters", []byte(body))
	if alias != "" {
		req.Headers.Set("X-Amzn-SageMaker-Adapter-Alias", alias)
	}
	return req
}

func TestAdmit_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		capability string
		req        *handler.Request
		wantDenied bool
	}{
		{
			name:       "valid adapter",
			capability: "loadAdapter",
			req:        loadRequest(`{"name": "my-adapter_1", "src": "s3://bucket/a"}`, ""),
		},
		{
			name:       "invalid adapter name",
			capability: "loadAdapter",
			req:        loadRequest(`{"name": "bad name!", "src": "/opt/a"}`, ""),
			wantDenied: true,
		},
		{
			name:       "invalid alias",
			capability: "loadAdapter",
			req:        loadRequest(`{"name": "ok", "src": "/opt/a"}`, "no/slashes"),
			wantDenied: true,
		},
		{
			name:       "unusual source only warns",
			capability: "loadAdapter",
			req:        loadRequest(`{"name": "ok", "src": "relative/path"}`, ""),
		},
		{
			name:       "naming policy does not apply to invocations",
			capability: "invocation",
			req:        loadRequest(`{"name": "bad name!"}`, ""),
		},
		{
			name:       "non-json body",
			capability: "invocation",
			req:        handler.NewRequest(http.MethodPost, "/invocations", []byte("a,b,c")),
		},
		{
			name:       "reserved session id",
			capability: "invocation",
			req: func() *handler.Request {
				r := handler.NewRequest(http.MethodPost, "/invocations", nil)
				r.Headers.Set("X-Amzn-SageMaker-Session-Id", "NEW_SESSION")
				return r
			}(),
			wantDenied: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Admit(context.Background(), tt.capability, tt.req)
			var denied *DeniedError
			if got := errors.As(err, &denied); got != tt.wantDenied {
				t.Fatalf("Admit() error = %v, wantDenied %v", err, tt.wantDenied)
			}
			if tt.wantDenied && handler.StatusOf(err) != http.StatusForbidden {
				t.Errorf("status = %d, want 403", handler.StatusOf(err))
			}
		})
	}
}

func TestEvaluate_Warnings(t *testing.T) {
	eng := newTestEngine(t)
	input, err := NewInput("loadAdapter", loadRequest(`{"name": "ok", "src": "relative/path"}`, ""))
	if err != nil {
		t.Fatalf("NewInput() error = %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("decision blocked: %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Policy != "adapter-source" {
		t.Errorf("warnings = %+v", decision.Warnings)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:         "max-tokens",
		Severity:     SeverityError,
		Enabled:      true,
		Capabilities: []string{"invocation"},
		Rego: `package custom.limits

deny contains msg if {
	input.body.max_tokens > 4096
	msg := sprintf("max_tokens %v exceeds 4096", [input.body.max_tokens])
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	req := handler.NewRequest(http.MethodPost, "/invocations", []byte(`{"max_tokens": 9000}`))
	err = eng.Admit(ctx, "invocation", req)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Admit() error = %v, want denial", err)
	}
	if msg := denied.Decision.Violations[0].Message; msg != "max_tokens 9000 exceeds 4096" {
		t.Errorf("message = %q", msg)
	}

	if err := eng.DisablePolicy("max-tokens"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	if err := eng.Admit(ctx, "invocation", req); err != nil {
		t.Errorf("disabled policy still applied: %v", err)
	}

	if err := eng.RemovePolicy("max-tokens"); err != nil {
		t.Errorf("RemovePolicy() error = %v", err)
	}
	if err := eng.RemovePolicy("max-tokens"); err == nil {
		t.Error("removing twice should fail")
	}
}

func TestAddPolicy_InvalidRego(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package x\ndeny contains"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:    "deny-all",
		Enabled: true,
		Rego:    "package custom.all\n\ndeny contains \"closed\" if { true }\n",
	}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("adapter-naming"); err != nil {
		t.Error("built-ins dropped by replace")
	}
	if p, _ := eng.GetPolicy("deny-all"); p == nil || p.Severity != SeverityWarning {
		t.Errorf("deny-all = %+v, want default warning severity", p)
	}

	broken := Policy{Name: "broken", Rego: "not rego"}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("deny-all"); err != nil {
		t.Error("failed replace changed the loaded policies")
	}
}
