package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a request-scoped failure with a stable kind and an HTTP status.
// The message is client-safe: it never carries raw filesystem paths or
// underlying error text.
type Error struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
	status  int
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e Error) StatusCode() int {
	return e.status
}

// withDetail returns a copy with a more specific client-safe message.
func (e Error) withDetail(msg string) Error {
	e.Message = msg
	return e
}

func NewError(kind, message string, status int) Error {
	return Error{Kind: kind, Message: message, status: status}
}

var (
	ErrBadRequest       = NewError("ERR_BAD_REQUEST", "malformed request body", http.StatusBadRequest)
	ErrInvalidPath      = NewError("ERR_INVALID_PATH", "invalid path", http.StatusBadRequest)
	ErrInvalidId        = NewError("ERR_INVALID_ID", "malformed upload id", http.StatusBadRequest)
	ErrInvalidOffset    = NewError("ERR_INVALID_OFFSET", "missing or invalid offset", http.StatusBadRequest)
	ErrInvalidSize      = NewError("ERR_INVALID_SIZE", "totalSize must be a positive integer", http.StatusBadRequest)
	ErrNotFound         = NewError("ERR_NOT_FOUND", "not found", http.StatusNotFound)
	ErrSizeMismatch     = NewError("ERR_SIZE_MISMATCH", "staging size does not match declared size", http.StatusConflict)
	ErrRefusedOverwrite = NewError("ERR_REFUSED_OVERWRITE", "destination refused", http.StatusConflict)
	ErrCorruptState     = NewError("ERR_CORRUPT_STATE", "staging file is not a regular file", http.StatusInternalServerError)
	ErrQuotaExceeded    = NewError("ERR_QUOTA_EXCEEDED", "declared size exceeds the configured maximum", http.StatusRequestEntityTooLarge)
	ErrIOFailure        = NewError("ERR_IO_FAILURE", "storage operation failed", http.StatusInternalServerError)
)

// writeError maps err onto the JSON error surface. Anything that is not an
// Error is treated as an internal storage failure: the detail goes to the
// log, the client gets the generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr Error
	if !errors.As(err, &apiErr) {
		glog.Errorw("internal error", "method", r.Method, "path", r.URL.Path, "err", err)
		apiErr = ErrIOFailure
	}
	requestErrors.WithLabelValues(apiErr.Kind).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.status)
	json.NewEncoder(w).Encode(apiErr)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorw("failed to encode response", "err", err)
	}
}
