package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/tukerank/internal/feedback"
	"github.com/example/tukerank/internal/rides"
	"github.com/example/tukerank/internal/storage"
)

type errBadRequest struct{ err error }

func (e errBadRequest) Error() string { return e.err.Error() }
func (e errBadRequest) Unwrap() error { return e.err }

func badRequest(err error) error { return errBadRequest{err: fmt.Errorf("bad request: %w", err)} }

type errorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// writeError maps the service error taxonomy onto HTTP. Every externally
// visible failure carries a stable kind plus the human-readable detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", kind, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Kind: kind, Error: err.Error()})
}

func classify(err error) (kind string, status int) {
	var br errBadRequest
	switch {
	case errors.As(err, &br),
		errors.Is(err, feedback.ErrValidation),
		errors.Is(err, rides.ErrValidation):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, feedback.ErrInvalidRideState):
		return "invalid_ride_state", http.StatusConflict
	case errors.Is(err, rides.ErrInvalidTransition):
		return "invalid_ride_state", http.StatusConflict
	case errors.Is(err, rides.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, storage.ErrConflictingWrite):
		return "conflicting_write", http.StatusConflict
	case errors.Is(err, feedback.ErrClassifierUnavailable):
		return "classifier_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, feedback.ErrCommitFailed):
		return "commit_failed", http.StatusInternalServerError
	default:
		return "internal", http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
