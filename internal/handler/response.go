package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// CONSISTENT ERROR FORMAT:
// Every error response from our API has the same shape:
//   {"error": "not_found", "message": "cat not found with id abc123"}
// Validation errors also name the offending field:
//   {"error": "validation_error", "message": "...", "field": "name"}
//
// This makes it easy for the front-end to parse errors: it always knows
// what fields to expect, regardless of the status code.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/kittygram/internal/apperror"
)

// retryAfterSeconds is sent with every 503 so clients back off briefly.
const retryAfterSeconds = 1

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Set for validation errors
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// You MUST set headers and status code BEFORE writing the body.
// Once you call w.Write() (which Encode does internally), the headers are sent.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
//
//	ErrInvalidCredentials, ErrUnauthenticated → 401
//	ErrForbidden                              → 403
//	ErrNotFound                               → 404
//	ErrValidation                             → 400 (413 too large, 415 unsupported format)
//	ErrConflict                               → 409
//	ErrStorage                                → 503 + Retry-After
//	anything else                             → 500, message hidden
//
// WHY HERE AND NOT IN THE SERVICE?
// The service layer should not know about HTTP status codes. The `gc`
// command calls the same services and reports errors as plain text.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		// NEVER expose internal error details to the client: the raw message
		// might contain SQL, file paths or bucket names.
		slog.Error("unhandled error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status, errorType := classify(err)
	resp := ErrorResponse{Error: errorType, Message: appErr.Message}

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="kittygram"`)
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	case http.StatusBadRequest:
		resp.Field = appErr.Field
	case http.StatusInternalServerError:
		resp.Message = "An internal error occurred"
	}

	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, apperror.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrValidation):
		switch apperror.ReasonOf(err) {
		case apperror.ReasonTooLarge:
			return http.StatusRequestEntityTooLarge, string(apperror.ReasonTooLarge)
		case apperror.ReasonUnsupportedFormat:
			return http.StatusUnsupportedMediaType, string(apperror.ReasonUnsupportedFormat)
		}
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrStorage):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// WriteError adapts writeError to auth.ErrorWriter, so the auth
// middleware answers in the same JSON shape as the handlers.
func WriteError(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, err)
}

// decodeJSON reads a JSON body into dst. Unknown fields are rejected so a
// typo like "birth_year" fails loudly instead of being ignored.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperror.TooLarge(maxErr.Limit)
		}
		return apperror.ValidationFailed("body", "request body must be valid JSON")
	}
	return nil
}
