package identity

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the directory does not know the handle or the
// DID document has no PDS entry.
type ErrNotFound struct {
	Identifier string
	Reason     string
}

func (e *ErrNotFound) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("identity not found: %s (%s)", e.Identifier, e.Reason)
	}
	return fmt.Sprintf("identity not found: %s", e.Identifier)
}

// ErrInvalidIdentifier is returned for malformed handles or DIDs
type ErrInvalidIdentifier struct {
	Identifier string
	Reason     string
}

func (e *ErrInvalidIdentifier) Error() string {
	return fmt.Sprintf("invalid identifier %s: %s", e.Identifier, e.Reason)
}

// ErrResolutionFailed is returned when resolution fails for reasons other than not found
type ErrResolutionFailed struct {
	Identifier string
	Reason     string
	Err        error
}

func (e *ErrResolutionFailed) Error() string {
	return fmt.Sprintf("resolution failed for %s: %s", e.Identifier, e.Reason)
}

func (e *ErrResolutionFailed) Unwrap() error {
	return e.Err
}

// IsResolutionError reports whether err came from a failed handle, DID or PDS
// lookup. Login treats all of these as fatal to the attempt.
func IsResolutionError(err error) bool {
	var notFound *ErrNotFound
	var invalid *ErrInvalidIdentifier
	var failed *ErrResolutionFailed
	return errors.As(err, &notFound) || errors.As(err, &invalid) || errors.As(err, &failed)
}
