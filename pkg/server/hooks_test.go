package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/hooks"
	"github.com/openfroyo/hostkit/pkg/wrapper"
)

// echoBody answers an invocation with the body it received.
func echoBody(_ context.Context, inv *handler.Invocation) (any, error) {
	return &handler.Response{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": inv.Request.Headers.Get("Content-Type"), "X-Model": "m1"},
		Body:    inv.Request.Body,
	}, nil
}

func newHookServer(t *testing.T, set map[hooks.Kind]handler.Func) *Server {
	t.Helper()
	scripts := hooks.NewRegistry(zerolog.Nop())
	for kind, fn := range set {
		if err := scripts.RegisterScriptHook(string(kind), fn, "model.star:"+string(kind)); err != nil {
			t.Fatalf("RegisterScriptHook() error = %v", err)
		}
	}
	chain, err := hooks.Load(context.Background(), nil, hooks.LoadOptions{
		Getenv:  func(string) string { return "" },
		Scripts: scripts,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	registry := capability.NewRegistry(zerolog.Nop())
	ping := func(context.Context, *handler.Invocation) (any, error) {
		return &handler.Response{Status: http.StatusOK}, nil
	}
	if err := registry.RegisterFunc(capability.Ping, capability.TierDefault, ping, "test.ping"); err != nil {
		t.Fatalf("RegisterFunc() error = %v", err)
	}
	if err := registry.RegisterFunc(capability.Invocation, capability.TierExplicit, echoBody, "test.echo"); err != nil {
		t.Fatalf("RegisterFunc() error = %v", err)
	}
	factory := wrapper.NewFactory(registry, zerolog.Nop())

	s, err := New(Config{}, Handlers{
		Ping:       factory.MustCreate(capability.Ping),
		Invocation: factory.MustCreate(capability.Invocation),
		Hooks:      chain,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestHookMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		hooks      map[hooks.Kind]handler.Func
		body       string
		wantStatus int
		wantBody   string
		wantHeader string
	}{
		{
			name:       "no hooks",
			body:       "hello",
			wantStatus: http.StatusOK,
			wantBody:   "hello",
			wantHeader: "m1",
		},
		{
			name: "throttle admits",
			hooks: map[hooks.Kind]handler.Func{
				hooks.Throttle: func(context.Context, *handler.Invocation) (any, error) { return true, nil },
			},
			body:       "hello",
			wantStatus: http.StatusOK,
			wantBody:   "hello",
			wantHeader: "m1",
		},
		{
			name: "throttle rejects",
			hooks: map[hooks.Kind]handler.Func{
				hooks.Throttle: func(context.Context, *handler.Invocation) (any, error) { return false, nil },
				hooks.Pre: func(context.Context, *handler.Invocation) (any, error) {
					return nil, errors.New("pre hook ran after a rejection")
				},
			},
			body:       "hello",
			wantStatus: http.StatusTooManyRequests,
			wantBody:   `{"detail":"Too Many Requests"}`,
		},
		{
			name: "pre hook rewrites the body as JSON",
			hooks: map[hooks.Kind]handler.Func{
				hooks.Pre: func(_ context.Context, inv *handler.Invocation) (any, error) {
					return map[string]any{"inputs": string(inv.Request.Body)}, nil
				},
			},
			body:       "hello",
			wantStatus: http.StatusOK,
			wantBody:   `{"inputs":"hello"}`,
			wantHeader: "m1",
		},
		{
			name: "pre hook answers the request",
			hooks: map[hooks.Kind]handler.Func{
				hooks.Pre: func(context.Context, *handler.Invocation) (any, error) {
					return &handler.Response{Status: http.StatusAccepted, Body: "cached"}, nil
				},
			},
			body:       "hello",
			wantStatus: http.StatusAccepted,
			wantBody:   "cached",
		},
		{
			name: "pre hook failure",
			hooks: map[hooks.Kind]handler.Func{
				hooks.Pre: func(context.Context, *handler.Invocation) (any, error) {
					return nil, &handler.StatusError{Status: http.StatusUnprocessableEntity, Message: "bad prompt"}
				},
			},
			body:       "hello",
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   `{"detail":"bad prompt"}`,
		},
		{
			name: "post hook keeps the response",
			hooks: map[hooks.Kind]handler.Func{
				hooks.Post: func(context.Context, *handler.Invocation) (any, error) { return nil, nil },
			},
			body:       "hello",
			wantStatus: http.StatusOK,
			wantBody:   "hello",
			wantHeader: "m1",
		},
		{
			name: "post hook rewrites the body",
			hooks: map[hooks.Kind]handler.Func{
				hooks.Post: func(_ context.Context, inv *handler.Invocation) (any, error) {
					return map[string]any{"status": inv.Data["status"], "output": inv.Data["body"]}, nil
				},
			},
			body:       `{"text":"hi"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"output":{"text":"hi"},"status":200}`,
			wantHeader: "m1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newHookServer(t, tt.hooks)
			rec := serve(s, http.MethodPost, PathInvocations, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %s, want %s", got, tt.wantBody)
			}
			if got := rec.Header().Get("X-Model"); got != tt.wantHeader {
				t.Errorf("X-Model = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}

func TestHookMiddleware_PrePostSeesBothPhases(t *testing.T) {
	var phases []string
	both := func(_ context.Context, inv *handler.Invocation) (any, error) {
		phase, _ := inv.Data["phase"].(string)
		phases = append(phases, phase)
		if phase == PhaseRequest {
			return "rewritten", nil
		}
		return map[string]any{"wrapped": inv.Data["body"]}, nil
	}
	unused := func(context.Context, *handler.Invocation) (any, error) {
		return nil, errors.New("replaced by pre_post_process")
	}

	s := newHookServer(t, map[hooks.Kind]handler.Func{
		hooks.PrePost: both,
		hooks.Pre:     unused,
		hooks.Post:    unused,
	})
	rec := serve(s, http.MethodPost, PathInvocations, "hello")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("body %q is not JSON: %v", rec.Body.String(), err)
	}
	if got["wrapped"] != "rewritten" {
		t.Errorf("body = %v, want the rewritten request wrapped", got)
	}
	if len(phases) != 2 || phases[0] != PhaseRequest || phases[1] != PhaseResponse {
		t.Errorf("phases = %v, want [request response]", phases)
	}
}

func TestHookMiddleware_AppliesToEveryRoute(t *testing.T) {
	s := newHookServer(t, map[hooks.Kind]handler.Func{
		hooks.Throttle: func(context.Context, *handler.Invocation) (any, error) { return false, nil },
	})
	rec := serve(s, http.MethodGet, PathPing, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("ping status = %d, want 429", rec.Code)
	}
}
