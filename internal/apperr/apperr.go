// Package apperr defines the error kinds shared by the storage, metadata,
// file-tree and sharing layers.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNameConflict     = errors.New("name conflict")
	ErrCycle            = errors.New("cycle rejected")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrPermissionDenied = errors.New("permission denied")
	ErrIO               = errors.New("storage i/o error")
	ErrInvariant        = errors.New("invariant violation")
	ErrExpired          = errors.New("expired")
	ErrInvalid          = errors.New("invalid argument")
)

var kinds = []struct {
	err    error
	code   string
	status int
}{
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrNameConflict, "name_conflict", http.StatusConflict},
	{ErrCycle, "cycle_rejected", http.StatusConflict},
	{ErrQuotaExceeded, "quota_exceeded", http.StatusRequestEntityTooLarge},
	{ErrPermissionDenied, "permission_denied", http.StatusForbidden},
	{ErrExpired, "expired", http.StatusGone},
	{ErrInvariant, "invariant_violation", http.StatusUnprocessableEntity},
	{ErrInvalid, "invalid", http.StatusBadRequest},
	{ErrIO, "io_error", http.StatusServiceUnavailable},
}

// Kind returns the stable code for err's kind, or "internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// HTTPStatus maps err's kind onto an HTTP status code.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
