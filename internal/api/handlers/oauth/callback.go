package oauth

import (
	"errors"
	"log/slog"
	"net/http"

	oauthCore "Civitas/internal/core/oauth"
)

// CallbackHandler handles the redirect back from the authorization server
type CallbackHandler struct {
	service   AuthService
	flashes   *FlashStore
	exchanges *ExchangeTracker
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(service AuthService, flashes *FlashStore, exchanges *ExchangeTracker) *CallbackHandler {
	return &CallbackHandler{service: service, flashes: flashes, exchanges: exchanges}
}

// HandleCallback processes the OAuth callback. It always answers with a
// redirect to the home page, issued before the token exchange finishes, so
// the code never stays in the visible URL.
// GET /oauth/callback?code=...&state=...
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	recognized, ex, err := h.service.HandleCallback(r.Context(), r.URL)
	switch {
	case !recognized:
	case err != nil:
		slog.Warn("oauth callback rejected", "error", err)
		h.flashes.Add(w, r, callbackErrorMessage(err))
	default:
		h.exchanges.Track(ex)
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func callbackErrorMessage(err error) string {
	var denied *oauthCore.ErrAuthorizationDenied
	switch {
	case errors.As(err, &denied):
		if denied.Description != "" {
			return "Sign-in was cancelled: " + denied.Description
		}
		return "Sign-in was cancelled."
	case errors.Is(err, oauthCore.ErrStateMismatch):
		return "That sign-in link has expired. Please sign in again."
	default:
		return "Sign-in failed. Please try again."
	}
}
