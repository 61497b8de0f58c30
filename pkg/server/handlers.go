package server

import (
	"context"
	"net/http"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/lora"
	"github.com/openfroyo/hostkit/pkg/sessions"
	"github.com/openfroyo/hostkit/pkg/wrapper"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, req *handler.Request) (any, error) {
		return s.handlers.Ping.Invoke(ctx, req)
	})
}

// handleInvocations routes a POST /invocations body to the session
// capabilities, adapter injection or the plain invocation.
func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, req *handler.Request) (any, error) {
		if s.handlers.Sessions != nil {
			kind, err := sessions.Classify(req.Body)
			if err != nil {
				return nil, err
			}
			switch kind {
			case sessions.KindCreate:
				return s.sessionCall(ctx, s.handlers.Sessions.Create, req)
			case sessions.KindClose:
				return s.sessionCall(ctx, s.handlers.Sessions.Close, req)
			}
		}

		if s.handlers.Guard != nil {
			if err := s.handlers.Guard.CheckInvocation(ctx, req); err != nil {
				return nil, err
			}
		}

		if s.handlers.Adapters != nil && req.Header(lora.HeaderAdapterIdentifier) != "" {
			return s.handlers.Adapters.Inject.Invoke(ctx, req)
		}
		return s.handlers.Invocation.Invoke(ctx, req)
	})
}

func (s *Server) sessionCall(ctx context.Context, w *wrapper.Wrapper, req *handler.Request) (any, error) {
	if s.handlers.Guard != nil {
		if err := s.handlers.Guard.CheckSessionRequest(ctx); err != nil {
			return nil, err
		}
	}
	return w.Invoke(ctx, req)
}

func (s *Server) handleLoadAdapter(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, req *handler.Request) (any, error) {
		return s.handlers.Adapters.Load.Invoke(ctx, req)
	})
}

func (s *Server) handleUnloadAdapter(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, req *handler.Request) (any, error) {
		return s.handlers.Adapters.Unload.Invoke(ctx, req)
	})
}

// serve assembles the request, runs call and writes its outcome.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, call func(context.Context, *handler.Request) (any, error)) {
	req, err := newRequest(r, s.cfg.MaxBodyBytes)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	result, err := call(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := writeResponse(w, handler.Normalize(result)); err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to write response")
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := handler.StatusOf(err)
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")
	writeError(w, status, handler.Detail(err))
}
