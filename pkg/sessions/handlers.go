package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/transform"
	"github.com/openfroyo/hostkit/pkg/wrapper"
)

// DisabledDetail is reported when a request uses sessions but no session
// manager is configured and no engine handles sessions.
const DisabledDetail = "Session management is disabled"

const closeRequiresID = "Session ID is required in request headers to close a session"

// RequestKind classifies an invocation body.
type RequestKind int

const (
	// KindInvocation is an ordinary inference request.
	KindInvocation RequestKind = iota
	// KindCreate asks for a new session.
	KindCreate
	// KindClose asks to close the session named by the session header.
	KindClose
)

// Classify inspects an invocation body for a requestType field. Bodies that
// are not JSON objects, or carry no requestType, are ordinary invocations.
// An unknown requestType is a client error.
func Classify(body []byte) (RequestKind, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return KindInvocation, nil
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return KindInvocation, nil
	}
	rt := parsed.Get("requestType")
	if !rt.Exists() {
		return KindInvocation, nil
	}
	switch rt.String() {
	case RequestTypeNewSession:
		return KindCreate, nil
	case RequestTypeClose:
		return KindClose, nil
	default:
		return KindInvocation, handler.BadRequest(
			fmt.Sprintf("Invalid requestType %q: expected %s or %s", rt.String(), RequestTypeNewSession, RequestTypeClose), nil)
	}
}

// RegisterDefaults binds the manager's create and close implementations at
// the default tier.
func RegisterDefaults(registry *capability.Registry, m *Manager) error {
	if err := registry.RegisterFunc(capability.CreateSession, capability.TierDefault, m.CreateHandler(), "sessions.Manager.Create"); err != nil {
		return err
	}
	return registry.RegisterFunc(capability.CloseSession, capability.TierDefault, m.CloseHandler(), "sessions.Manager.Close")
}

// CreateHandler returns the default createSession implementation.
func (m *Manager) CreateHandler() handler.Func {
	return func(ctx context.Context, _ *handler.Invocation) (any, error) {
		s, err := m.Create(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to create session")
			return nil, &handler.StatusError{
				Status:  http.StatusFailedDependency,
				Message: fmt.Sprintf("Failed to create session: %v", err),
				Err:     err,
			}
		}
		resp := handler.OK(createdMessage(s.ID))
		resp.SetHeader(HeaderNewSessionID, fmt.Sprintf("%s; Expires=%s", s.ID, s.ExpiresAt.Format(time.RFC3339)))
		return resp, nil
	}
}

// CloseHandler returns the default closeSession implementation.
func (m *Manager) CloseHandler() handler.Func {
	return func(ctx context.Context, inv *handler.Invocation) (any, error) {
		id := inv.Request.Header(HeaderSessionID)
		if err := m.Close(ctx, id); err != nil {
			if isClientError(err) {
				return nil, handler.BadRequest("Bad request: "+err.Error(), err)
			}
			m.logger.Error().Err(err).Str("session_id", id).Msg("Failed to close session")
			return nil, &handler.StatusError{
				Status:  http.StatusFailedDependency,
				Message: fmt.Sprintf("Failed to close session: %v", err),
				Err:     err,
			}
		}
		resp := handler.OK(closedMessage(id))
		resp.SetHeader(HeaderClosedSessionID, id)
		return resp, nil
	}
}

// EngineConfig describes how an engine that manages its own sessions
// expects session requests.
type EngineConfig struct {
	// CreateRequestShape maps the create request onto the engine request.
	CreateRequestShape transform.Shape

	// CreateResponsePath locates the new session id in the engine
	// response, e.g. "body.session_id". Defaults to "body.session_id".
	CreateResponsePath string

	// CloseRequestPath is where the session id is placed in the engine's
	// close request, e.g. "session_id". Empty leaves it out.
	CloseRequestPath string

	// CloseRequestShape holds further close request mappings.
	CloseRequestShape transform.Shape
}

// Handlers holds the wrappers for the session capabilities.
type Handlers struct {
	Create *wrapper.Wrapper
	Close  *wrapper.Wrapper
}

// New creates wrappers for createSession and closeSession. Responses that
// already carry the session header (as the default manager's do) keep it;
// otherwise the session id is extracted from the engine response.
func New(f *wrapper.Factory, cfg EngineConfig, logger zerolog.Logger) (*Handlers, error) {
	logger = logger.With().Str("component", "sessions").Logger()

	responsePath := cfg.CreateResponsePath
	if responsePath == "" {
		responsePath = "body.session_id"
	}
	extractID, err := transform.Compile(
		transform.Shape{"session_id": transform.Path{Expr: responsePath}},
		transform.WithRoots(transform.ResponseRoots...),
	)
	if err != nil {
		return nil, fmt.Errorf("capability %s: session id path: %w", capability.CreateSession, err)
	}

	createOpts := []wrapper.Option{
		wrapper.WithSuccessHook(func(_ context.Context, _ *wrapper.Call, resp *handler.Response) (*handler.Response, error) {
			if header := resp.Headers[HeaderNewSessionID]; header != "" {
				return resp, nil
			}
			out, err := extractID.Apply(transform.ResponseDocument(resp.Status, resp.Headers, resp.Body))
			if err != nil {
				return nil, handler.Internal("Session ID not found in response", err)
			}
			id := handler.Data(out).String("session_id")
			if id == "" {
				logger.Warn().Interface("body", resp.Body).Msg("Session ID not found in response")
				return nil, handler.Internal("Session ID not found in response", nil)
			}
			created := handler.OK(createdMessage(id))
			created.SetHeader(HeaderNewSessionID, id)
			return created, nil
		}),
	}
	if cfg.CreateRequestShape != nil {
		createOpts = append(createOpts, wrapper.WithRequestShape(cfg.CreateRequestShape))
	}
	create, err := f.Create(capability.CreateSession, createOpts...)
	if err != nil {
		return nil, err
	}

	closeShape, err := CloseShape(cfg.CloseRequestPath, cfg.CloseRequestShape, logger)
	if err != nil {
		return nil, err
	}
	closeOpts := []wrapper.Option{
		wrapper.WithRequestValidator(requireSessionHeader),
		wrapper.WithSuccessHook(func(_ context.Context, call *wrapper.Call, resp *handler.Response) (*handler.Response, error) {
			if resp.Headers[HeaderClosedSessionID] != "" {
				return resp, nil
			}
			id := call.Request.Header(HeaderSessionID)
			closed := handler.OK(closedMessage(id))
			closed.SetHeader(HeaderClosedSessionID, id)
			return closed, nil
		}),
	}
	if closeShape != nil {
		closeOpts = append(closeOpts, wrapper.WithRequestShape(closeShape))
	}
	closeW, err := f.Create(capability.CloseSession, closeOpts...)
	if err != nil {
		return nil, err
	}

	return &Handlers{Create: create, Close: closeW}, nil
}

// CloseShape merges the session id mapping at path into extra. A mapping
// already present at path is replaced.
func CloseShape(path string, extra transform.Shape, logger zerolog.Logger) (transform.Shape, error) {
	if path == "" {
		return extra, nil
	}
	shape := make(transform.Shape, len(extra)+1)
	for k, v := range extra {
		shape[k] = v
	}
	if _, ok := shape[path]; ok {
		logger.Warn().Str("path", path).Msg("Session ID path overrides an existing request mapping")
	}
	idShape, err := SessionIDShape(path)
	if err != nil {
		return nil, err
	}
	for k, v := range idShape {
		shape[k] = v
	}
	return shape, nil
}

// SessionIDShape places the session header value at the dotted body path.
func SessionIDShape(path string) (transform.Shape, error) {
	return transform.At(path, transform.Path{Expr: fmt.Sprintf("headers.%q", HeaderSessionID)})
}

// Guard validates invocations that carry a session id while the default
// session manager is in charge of sessions.
type Guard struct {
	registry *capability.Registry
	manager  *Manager

	// usesDefault caches UsesDefault for one registry version.
	mu          sync.Mutex
	cached      bool
	version     uint64
	usesDefault bool
}

// NewGuard creates a guard. manager may be nil when sessions are disabled.
func NewGuard(registry *capability.Registry, manager *Manager) *Guard {
	return &Guard{registry: registry, manager: manager}
}

// UsesDefault reports whether neither session capability is bound above
// the default tier. The answer is recomputed only after the registry
// changes.
func (g *Guard) UsesDefault(ctx context.Context) bool {
	version := g.registry.Version()
	g.mu.Lock()
	if g.cached && g.version == version {
		defer g.mu.Unlock()
		return g.usesDefault
	}
	g.mu.Unlock()

	usesDefault := true
	for _, name := range []string{capability.CreateSession, capability.CloseSession} {
		b, err := g.registry.Resolve(ctx, name)
		if err == nil && b.Tier != capability.TierDefault {
			usesDefault = false
			break
		}
	}

	g.mu.Lock()
	g.cached, g.version, g.usesDefault = true, version, usesDefault
	g.mu.Unlock()
	return usesDefault
}

// CheckSessionRequest rejects session requests when nothing can serve
// them.
func (g *Guard) CheckSessionRequest(ctx context.Context) error {
	if g.manager == nil && g.UsesDefault(ctx) {
		return handler.BadRequest(DisabledDetail, nil)
	}
	return nil
}

// CheckInvocation validates the session header of an ordinary invocation.
func (g *Guard) CheckInvocation(ctx context.Context, req *handler.Request) error {
	id := req.Header(HeaderSessionID)
	if id == "" || !g.UsesDefault(ctx) {
		return nil
	}
	if g.manager == nil {
		return handler.BadRequest(fmt.Sprintf("%s; remove the %s header", DisabledDetail, HeaderSessionID), nil)
	}
	if _, err := g.manager.Get(ctx, id); err != nil {
		if isClientError(err) {
			return handler.BadRequest("Bad request: "+err.Error(), err)
		}
		return err
	}
	return nil
}

func requireSessionHeader(_ context.Context, req *handler.Request) error {
	if strings.TrimSpace(req.Header(HeaderSessionID)) == "" {
		return handler.BadRequest(closeRequiresID, nil)
	}
	return nil
}

func isClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) || errors.Is(err, ErrInvalidID)
}

func createdMessage(id string) string {
	return "Successfully created session: " + id
}

func closedMessage(id string) string {
	return "Successfully closed session: " + id
}
