// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierr defines the structured error shape the HTTP boundary
// returns for every non-2xx response, and the helpers that write it.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// APIError is a structured error response. Handlers return one instead
// of writing to the ResponseWriter directly; ServeHTTP wrappers convert
// it (or any other error) to the wire shape via WriteError.
type APIError struct {
	Status int    `json:"status_code"`
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apierr: %s (%d): %s", e.Code, e.Status, e.Detail)
}

// Constructors for the taxonomy buckets named in the error handling
// design: input validation, not found, and internal.
func BadRequest(detail string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "bad_request", Detail: detail}
}

func NotFound(detail string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: "not_found", Detail: detail}
}

func Internal(detail string) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: "internal", Detail: detail}
}

func Unavailable(detail string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: "unavailable", Detail: detail}
}

// Is reports whether err is an *APIError with the given code.
func Is(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// WriteJSON serializes v as the response body with status and the
// standard JSON content type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("apierr: failed to encode response body", "error", err)
	}
}

// WriteError converts err to the taxonomy's wire shape and writes it.
// Any error that isn't already an *APIError is logged with its stack
// context by the caller and reported to the client as a bare Internal
// error, never leaking its message.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		WriteJSON(w, apiErr.Status, apiErr)
		return
	}
	WriteJSON(w, http.StatusInternalServerError, Internal("internal server error"))
}
