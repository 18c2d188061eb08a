// internal/viewer/routes/helpers.go

package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/session"
)

const maxBody = 1 << 20

// handleGet registers h for GET requests on pattern.
func handleGet(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

// handlePost registers h for POST requests on pattern, decoding the JSON body
// into T first. An empty body decodes to the zero value.
func handlePost[T any](mux *http.ServeMux, pattern string, h func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.ContentLength != 0 {
			if decodeJSON(w, r, &req) != nil {
				return
			}
		}
		h(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, peer.ErrNoSuchConnection), errors.Is(err, call.ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrMediaBusy),
		errors.Is(err, media.ErrPermissionDenied),
		errors.Is(err, media.ErrDeviceUnavailable):
		return http.StatusConflict
	case errors.Is(err, peer.ErrConnectionFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
