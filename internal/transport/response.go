// Package transport contains the HTTP router, middleware chain, and request
// handlers that expose grid definitions and hosted grid sessions.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/odatagrid/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrBackendError:       http.StatusBadGateway,
	model.ErrSessionNotFound:    http.StatusNotFound,
	model.ErrSessionLimit:       http.StatusTooManyRequests,
}

// errorResponse wraps an envelope as {"error": {...}}.
type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error envelope with the matching HTTP
// status. Errors that do not wrap an *ErrorEnvelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeFor(err)
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// StatusFor returns the HTTP status for an envelope.
func StatusFor(ee *model.ErrorEnvelope) int {
	if ee == nil {
		return http.StatusInternalServerError
	}
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status
}

// envelopeFor unwraps err to an envelope. nil yields nil.
func envelopeFor(err error) *model.ErrorEnvelope {
	if err == nil {
		return nil
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewInternalError()
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
