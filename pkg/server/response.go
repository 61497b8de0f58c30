package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openfroyo/hostkit/pkg/handler"
)

// newRequest builds the raw transport request handed to capabilities.
func newRequest(r *http.Request, maxBody int64) (*handler.Request, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &handler.StatusError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit),
				Err:     err,
			}
		}
		return nil, handler.BadRequest("Failed to read request body", err)
	}

	req := handler.NewRequest(r.Method, r.URL.Path, body)
	req.Headers = r.Header.Clone()
	for k, v := range mux.Vars(r) {
		req.PathParams[k] = v
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			req.QueryParams[k] = v[0]
		}
	}
	return req, nil
}

// writeResponse writes a normalized capability response. Strings are sent
// as text, byte slices as they are, anything else as JSON.
func writeResponse(w http.ResponseWriter, resp *handler.Response) error {
	if !handler.ValidStatus(resp.Status) {
		detail := fmt.Sprintf("Handler returned invalid status %d", resp.Status)
		writeError(w, http.StatusInternalServerError, detail)
		return errors.New(detail)
	}
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}

	var (
		data        []byte
		contentType string
	)
	switch body := resp.Body.(type) {
	case nil:
	case string:
		data, contentType = []byte(body), "text/plain; charset=utf-8"
	case json.RawMessage:
		data, contentType = body, "application/json"
	case []byte:
		data, contentType = body, "application/octet-stream"
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encode response")
			return fmt.Errorf("failed to encode response body: %w", err)
		}
		data, contentType = encoded, "application/json"
	}

	if contentType != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.Status)
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: detail})
}
