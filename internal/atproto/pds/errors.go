package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bluesky-social/indigo/atproto/atclient"
)

// Typed errors for PDS operations.
// These allow services to use errors.Is() for reliable error detection
// instead of fragile string matching.
var (
	// ErrUnauthorized indicates the request failed due to invalid or expired credentials (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the request was rejected due to insufficient permissions (HTTP 403).
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested resource does not exist (HTTP 404).
	ErrNotFound = errors.New("not found")

	// ErrBadRequest indicates the request was malformed or invalid (HTTP 400).
	ErrBadRequest = errors.New("bad request")

	// ErrRateLimited indicates the server is throttling this client (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrServer covers 5xx and any other unexpected status.
	ErrServer = errors.New("server error")
)

// XRPCError is the error body atproto services return
type XRPCError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// IsAuthError returns true if the error is an authentication/authorization error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// StatusError maps a non-2xx response onto the typed errors above, keeping
// the server's error name and message for display.
func StatusError(operation string, status int, body []byte) error {
	var xe XRPCError
	_ = json.Unmarshal(body, &xe)
	return statusError(operation, status, xe.Error, xe.Message)
}

// wrapAPIError converts errors from atclient into typed errors so callers
// can use errors.Is() for reliable detection.
func wrapAPIError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var apiErr *atclient.APIError
	if errors.As(err, &apiErr) {
		return statusError(operation, apiErr.StatusCode, apiErr.Name, apiErr.Message)
	}

	return fmt.Errorf("%s failed: %w", operation, err)
}

func statusError(operation string, status int, name, message string) error {
	detail := message
	if name != "" {
		detail = name
		if message != "" {
			detail += ": " + message
		}
	}
	if detail == "" {
		detail = http.StatusText(status)
	}

	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = ErrBadRequest
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case http.StatusForbidden:
		sentinel = ErrForbidden
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	default:
		sentinel = ErrServer
	}

	return fmt.Errorf("%s: %w: HTTP %d: %s", operation, sentinel, status, detail)
}
