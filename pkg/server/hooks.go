package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/hooks"
)

// Phases reported to a pre_post_process hook in data.phase.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
)

// hookMiddleware runs the configured hooks around every routed request.
//
// A throttle hook admits the request by returning nothing or true; false
// rejects it with 429. A pre hook returns the replacement request body, or
// nothing to keep it. A post hook sees the response as data and returns the
// replacement body, or nothing to keep it. Any hook may return a full
// response to answer the request itself, or fail to answer with its error.
func (s *Server) hookMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set := s.handlers.Hooks.Current()
		if set.Empty() {
			next.ServeHTTP(w, r)
			return
		}

		req, err := newRequest(r, s.cfg.MaxBodyBytes)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}

		if set.Throttle != nil && s.runThrottle(w, r, set.Throttle, req) {
			return
		}

		pre, post := set.Pre, set.Post
		var preData, postData handler.Data
		if set.PrePost != nil {
			pre, post = set.PrePost, set.PrePost
			preData = handler.Data{"phase": PhaseRequest}
			postData = handler.Data{"phase": PhaseResponse}
		}

		if pre != nil {
			var answered bool
			if req, answered = s.runPre(w, r, pre, preData, req); answered {
				return
			}
		}
		r.Body = io.NopCloser(bytes.NewReader(req.Body))
		r.ContentLength = int64(len(req.Body))

		if post == nil {
			next.ServeHTTP(w, r)
			return
		}

		buf := newBufferedWriter()
		next.ServeHTTP(buf, r)

		data := postData
		if data == nil {
			data = handler.Data{}
		}
		s.runPost(w, r, post, data, req, buf)
	})
}

// runThrottle reports whether the throttle hook answered the request.
func (s *Server) runThrottle(w http.ResponseWriter, r *http.Request, hook *hooks.Hook, req *handler.Request) bool {
	out, err := hook.Fn(r.Context(), &handler.Invocation{Request: req})
	if err != nil {
		s.writeHookFailure(w, r, hook, err)
		return true
	}
	switch v := out.(type) {
	case nil:
		return false
	case bool:
		if v {
			return false
		}
		writeError(w, http.StatusTooManyRequests, "Too Many Requests")
		return true
	case *handler.Response, handler.Response:
		s.writeHookResponse(w, r, handler.Normalize(v))
		return true
	}
	return false
}

// runPre returns req as rewritten by a pre hook. It reports whether the
// hook answered the request.
func (s *Server) runPre(w http.ResponseWriter, r *http.Request, hook *hooks.Hook, data handler.Data, req *handler.Request) (*handler.Request, bool) {
	out, err := hook.Fn(r.Context(), &handler.Invocation{Data: data, Request: req})
	if err != nil {
		s.writeHookFailure(w, r, hook, err)
		return nil, true
	}

	body := req.Body
	switch v := out.(type) {
	case nil:
		return req, false
	case *handler.Response, handler.Response:
		s.writeHookResponse(w, r, handler.Normalize(v))
		return nil, true
	case *handler.Request:
		body = v.Body
		for name, values := range v.Headers {
			r.Header[name] = values
		}
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			s.writeHookFailure(w, r, hook, fmt.Errorf("failed to encode request body: %w", err))
			return nil, true
		}
		body = encoded
		r.Header.Set("Content-Type", "application/json")
	}

	rewritten := handler.NewRequest(req.Method, req.Path, body)
	rewritten.Headers = r.Header.Clone()
	rewritten.PathParams = req.PathParams
	rewritten.QueryParams = req.QueryParams
	return rewritten, false
}

// runPost writes the captured response in buf, as rewritten by the post
// hook.
func (s *Server) runPost(w http.ResponseWriter, r *http.Request, hook *hooks.Hook, data handler.Data, req *handler.Request, buf *bufferedWriter) {
	data["status"] = buf.status
	data["headers"] = buf.headerMap()
	data["body"] = buf.decodedBody()

	out, err := hook.Fn(r.Context(), &handler.Invocation{Data: data, Request: req})
	if err != nil {
		s.writeHookFailure(w, r, hook, err)
		return
	}

	switch v := out.(type) {
	case nil:
		buf.flush(w)
	case *handler.Response, handler.Response:
		s.writeHookResponse(w, r, handler.Normalize(v))
	default:
		buf.copyHeaders(w, "Content-Type", "Content-Length")
		s.writeHookResponse(w, r, &handler.Response{Status: buf.status, Body: v})
	}
}

func (s *Server) writeHookFailure(w http.ResponseWriter, r *http.Request, hook *hooks.Hook, err error) {
	s.logger.Debug().Err(err).Str("hook", string(hook.Kind)).Str("source", hook.Source).Msg("Hook failed")
	s.writeFailure(w, r, err)
}

func (s *Server) writeHookResponse(w http.ResponseWriter, r *http.Request, resp *handler.Response) {
	if err := writeResponse(w, resp); err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to write hook response")
	}
}

// bufferedWriter holds a response so a post hook can see it before it is
// sent.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) { b.status = code }

func (b *bufferedWriter) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedWriter) headerMap() map[string]any {
	out := make(map[string]any, len(b.header))
	for name, values := range b.header {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

// decodedBody returns the body as JSON when it parses, as text otherwise.
func (b *bufferedWriter) decodedBody() any {
	if b.body.Len() == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b.body.Bytes(), &v); err == nil {
		return v
	}
	return b.body.String()
}

func (b *bufferedWriter) copyHeaders(w http.ResponseWriter, skip ...string) {
	for name, values := range b.header {
		if containsFold(skip, name) {
			continue
		}
		w.Header()[name] = values
	}
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	b.copyHeaders(w, "Content-Length")
	w.Header().Set("Content-Length", strconv.Itoa(b.body.Len()))
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if http.CanonicalHeaderKey(n) == http.CanonicalHeaderKey(name) {
			return true
		}
	}
	return false
}
