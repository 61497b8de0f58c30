package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostkit/pkg/hooks"
	"github.com/openfroyo/hostkit/pkg/lora"
	"github.com/openfroyo/hostkit/pkg/sessions"
	"github.com/openfroyo/hostkit/pkg/telemetry"
	"github.com/openfroyo/hostkit/pkg/wrapper"
)

// Routes served by the shim.
const (
	PathPing        = "/ping"
	PathInvocations = "/invocations"
	PathAdapters    = "/adapters"
	PathAdapter     = "/adapters/{" + lora.PathParamAdapterName + "}"
)

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is
// zero.
const DefaultMaxBodyBytes = 64 << 20

// Config configures the HTTP server.
type Config struct {
	ListenAddr      string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration

	// MetricsPath exposes Prometheus metrics on the main listener. Empty
	// disables the route.
	MetricsPath string
}

// Handlers are the capability wrappers behind the routes. Ping and
// Invocation are required; Adapters and Sessions enable their routes and
// request kinds.
type Handlers struct {
	Ping       *wrapper.Wrapper
	Invocation *wrapper.Wrapper
	Adapters   *lora.Handlers
	Sessions   *sessions.Handlers
	Guard      *sessions.Guard
	Metrics    *telemetry.Metrics

	// Hooks run around every routed request. Nil installs none.
	Hooks *hooks.Chain
}

// Server is the HTTP boundary of the shim.
type Server struct {
	cfg      Config
	handlers Handlers
	router   *mux.Router
	logger   zerolog.Logger
}

// New creates a server and registers its routes.
func New(cfg Config, h Handlers, logger zerolog.Logger) (*Server, error) {
	if h.Ping == nil || h.Invocation == nil {
		return nil, fmt.Errorf("ping and invocation handlers are required")
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		handlers: h,
		router:   mux.NewRouter(),
		logger:   logger.With().Str("component", "server").Logger(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(s.recoverMiddleware, s.loggingMiddleware)
	if s.handlers.Hooks != nil {
		s.router.Use(s.hookMiddleware)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	s.router.HandleFunc(PathPing, s.handlePing).Methods(http.MethodGet)
	s.router.HandleFunc(PathInvocations, s.handleInvocations).Methods(http.MethodPost)

	if s.handlers.Adapters != nil {
		s.router.HandleFunc(PathAdapters, s.handleLoadAdapter).Methods(http.MethodPost)
		s.router.HandleFunc(PathAdapter, s.handleUnloadAdapter).Methods(http.MethodDelete)
	}

	if s.cfg.MetricsPath != "" && s.handlers.Metrics.Enabled() {
		s.router.Handle(s.cfg.MetricsPath, s.handlers.Metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
