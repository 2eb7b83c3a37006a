package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dshills/carecall/internal/llm"
	"github.com/dshills/carecall/internal/service"
)

// Error is an error with the HTTP status and code it should be reported as.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// classify maps service errors onto HTTP statuses.
func classify(err error) *Error {
	var apiErr *Error
	var cfgErr *llm.ConfigurationError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &cfgErr):
		return newError(http.StatusBadRequest, "configuration_error", err)
	case errors.Is(err, service.ErrNoPriorAnalysis):
		return newError(http.StatusNotFound, "no_prior_analysis", err)
	case errors.Is(err, service.ErrNothingToUpdate):
		return newError(http.StatusConflict, "nothing_to_update", err)
	case errors.Is(err, service.ErrUnknownUpdateType):
		return newError(http.StatusBadRequest, "unknown_update_type", err)
	case errors.Is(err, service.ErrUnknownComponent):
		return newError(http.StatusBadRequest, "unknown_component", err)
	case errors.Is(err, service.ErrEmptyTranscript), errors.Is(err, service.ErrEmptyInput):
		return newError(http.StatusBadRequest, "invalid_request", err)
	}
	return newError(http.StatusInternalServerError, "internal_error", err)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondOK(w http.ResponseWriter, payload any) {
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		s.log.Debug("request rejected", "path", r.URL.Path, "code", e.Code, "error", err)
	}
	respondJSON(w, e.Status, errorEnvelope{Error: apiError{Message: e.Error(), Code: e.Code}})
}

// decode reads a JSON request body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return newError(http.StatusBadRequest, "invalid_json", fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}
