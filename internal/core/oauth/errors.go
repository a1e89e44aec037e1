package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrStateMismatch means the callback's state is absent, corrupt, or does
	// not match the pending flow. Treated as a possible CSRF attempt.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrTimeout wraps context.DeadlineExceeded from a bounded operation
	ErrTimeout = errors.New("operation timed out")

	// ErrNotAuthenticated is returned when an operation needs a session and there is none
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrKeyNotFound is returned by a Store for a missing key
	ErrKeyNotFound = errors.New("key not found")
)

// ErrAuthorizationDenied is reported when the provider redirects back with an
// error parameter instead of a code.
type ErrAuthorizationDenied struct {
	Code        string
	Description string
}

func (e *ErrAuthorizationDenied) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization denied: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization denied: %s", e.Code)
}

// IsAuthorizationDenied reports whether err is an ErrAuthorizationDenied
func IsAuthorizationDenied(err error) bool {
	var denied *ErrAuthorizationDenied
	return errors.As(err, &denied)
}
