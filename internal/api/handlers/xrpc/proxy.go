package xrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"Civitas/internal/api/handlers"
	"Civitas/internal/atproto/xrpc"
	oauthCore "Civitas/internal/core/oauth"

	"github.com/go-chi/chi/v5"
)

const maxProxyBody = 1 << 20

// Caller sends an authenticated XRPC request
type Caller interface {
	Do(ctx context.Context, method, nsid string, params url.Values, body []byte, contentType string) (*xrpc.Response, error)
}

// ProxyHandler forwards XRPC calls using the active session
type ProxyHandler struct {
	caller Caller
}

// NewProxyHandler creates a new proxy handler
func NewProxyHandler(caller Caller) *ProxyHandler {
	return &ProxyHandler{caller: caller}
}

// HandleProxy forwards the request to the session's service host
// GET,POST /xrpc/{nsid}
func (h *ProxyHandler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	nsid := chi.URLParam(r, "nsid")

	var body []byte
	if r.Method == http.MethodPost {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		if err != nil {
			handlers.WriteError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "Request body too large")
			return
		}
	}

	resp, err := h.caller.Do(r.Context(), r.Method, nsid, r.URL.Query(), body, r.Header.Get("Content-Type"))
	if err != nil && resp == nil {
		writeCallError(w, nsid, err)
		return
	}

	// upstream answered; relay its status and body even for errors
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		slog.Debug("failed to write proxied response", "nsid", nsid, "error", err)
	}
}

func writeCallError(w http.ResponseWriter, nsid string, err error) {
	switch {
	case errors.Is(err, oauthCore.ErrNotAuthenticated):
		handlers.WriteError(w, http.StatusUnauthorized, "AuthenticationRequired", "Sign in first")
	case errors.Is(err, xrpc.ErrNonceRetriesExhausted):
		slog.Warn("dpop nonce retries exhausted", "nsid", nsid)
		handlers.WriteError(w, http.StatusBadGateway, "UpstreamError", "The server kept rejecting request proofs")
	case errors.Is(err, oauthCore.ErrTimeout):
		handlers.WriteError(w, http.StatusGatewayTimeout, "UpstreamTimeout", "The server did not respond in time")
	default:
		slog.Warn("xrpc proxy call failed", "nsid", nsid, "error", err)
		handlers.WriteError(w, http.StatusBadGateway, "UpstreamError", "The request could not be completed")
	}
}
