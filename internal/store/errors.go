package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/opsdeck/livesync/internal/fallback"
)

var (
	// ErrAccessDenied is a server-side policy rejection. Never retried:
	// retrying cannot change authorization.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound marks a missing collection or record.
	ErrNotFound = errors.New("not found")
)

// MissingColumnError is schema drift: the remote table lacks a column the
// client's projection, filter, or payload referenced.
type MissingColumnError struct {
	Column  string
	Message string
}

func (e *MissingColumnError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("column %q does not exist", e.Column)
}

// AccessDeniedError wraps ErrAccessDenied with the server's message, which
// the mutation gateway inspects for the required metadata columns.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// AsMissingColumn extracts the drifted column from err, if any.
func AsMissingColumn(err error) (string, bool) {
	var mc *MissingColumnError
	if errors.As(err, &mc) {
		return mc.Column, true
	}
	return "", false
}

// IsAccessDenied reports whether err is a policy rejection.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsTransient reports whether err looks like a network failure or timeout
// that a later manual refresh might clear.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyBody turns a server error message into a typed error where the
// text identifies a known failure category.
func classifyBody(status int, message string) error {
	if column, ok := fallback.MissingColumn(message); ok {
		return &MissingColumnError{Column: column, Message: message}
	}
	if status == 403 {
		return &AccessDeniedError{Message: message}
	}
	return fmt.Errorf("store error (%d): %s", status, message)
}
