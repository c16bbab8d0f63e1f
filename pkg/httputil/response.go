// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding and request decoding.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorCode writes an error body with a machine-readable code
func WriteErrorCode(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Code: code, Error: message})
}

// WriteProviderError maps err onto the authentication error taxonomy. The
// body only ever carries the taxonomy message, never the native cause.
func WriteProviderError(w http.ResponseWriter, err error) {
	code := provider.CodeOf(err)
	WriteErrorCode(w, code.HTTPStatus(), string(code), code.Message())
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusBadRequest, "bad_request", message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusNotFound, "not_found", message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, code, message string) {
	WriteErrorCode(w, http.StatusConflict, code, message)
}

// WriteTooManyRequests writes the rate limited error (429)
func WriteTooManyRequests(w http.ResponseWriter) {
	WriteProviderError(w, provider.ErrRateLimited)
}

// WriteServiceUnavailable writes a service unavailable error (503)
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusServiceUnavailable, "unavailable", message)
}

// WriteInternalError writes a generic 500; err is not exposed
func WriteInternalError(w http.ResponseWriter, err error) {
	msg := "internal server error"
	var he interface{ HTTPMessage() string }
	if errors.As(err, &he) {
		msg = he.HTTPMessage()
	}
	WriteErrorCode(w, http.StatusInternalServerError, "internal", msg)
}

// WriteNoContent writes a successful response with no content (204)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
