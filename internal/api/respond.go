package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/vietddude/controltower/internal/core/worker"
	"github.com/vietddude/controltower/internal/delivery/machine"
	"github.com/vietddude/controltower/internal/infra/storage"
	"github.com/vietddude/controltower/internal/integration"
	"github.com/vietddude/controltower/internal/tcc"
)

// maxRequestBytes bounds request bodies.
const maxRequestBytes = 8 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, machine.ErrInvalidSubmission),
		errors.Is(err, machine.ErrInvalidDecision),
		errors.Is(err, integration.ErrInvalidIntegration),
		errors.Is(err, tcc.ErrInvalidTransaction),
		errors.Is(err, tcc.ErrUnknownParticipant):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, integration.ErrUnknownIntegration),
		errors.Is(err, integration.ErrUnknownFlow):
		return http.StatusNotFound
	case errors.Is(err, machine.ErrIntegrationPaused),
		errors.Is(err, machine.ErrDuplicate),
		errors.Is(err, machine.ErrNotInReview),
		errors.Is(err, machine.ErrNotAwaitingCallback),
		errors.Is(err, tcc.ErrCoordinationInconsistency):
		return http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull),
		errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v and validates its tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return &badRequest{err: err}
	}
	if err := s.validate.Struct(v); err != nil {
		return err
	}
	return nil
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "invalid request body: " + e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var br *badRequest
	status := statusFor(err)
	if errors.As(err, &br) {
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}
