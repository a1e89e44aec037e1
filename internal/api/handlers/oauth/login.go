package oauth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"Civitas/internal/atproto/identity"
	"Civitas/internal/atproto/oauth"
	"Civitas/internal/atproto/pds"
	oauthCore "Civitas/internal/core/oauth"
)

// LoginHandler starts a sign-in from the home page form
type LoginHandler struct {
	service AuthService
	flashes *FlashStore
}

// NewLoginHandler creates a new login handler
func NewLoginHandler(service AuthService, flashes *FlashStore) *LoginHandler {
	return &LoginHandler{service: service, flashes: flashes}
}

// HandleLogin initiates the login flow
// POST /oauth/login
// Form: handle, password (optional)
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	handle := strings.TrimSpace(r.PostForm.Get("handle"))
	password := r.PostForm.Get("password")
	if handle == "" || len(handle) > maxHandleLength {
		h.flashes.Add(w, r, "Enter your handle to sign in.")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	res, err := h.service.Login(r.Context(), handle, password)
	if err != nil {
		slog.Info("login failed", "handle", handle, "error", err)
		h.flashes.Add(w, r, loginErrorMessage(err))

		if errors.Is(err, oauth.ErrMetadataUnavailable) {
			// ask for an app password instead
			q := url.Values{"handle": {handle}, "password": {"1"}}
			http.Redirect(w, r, "/?"+q.Encode(), http.StatusSeeOther)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if res.AuthorizationURL != "" {
		http.Redirect(w, r, res.AuthorizationURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func loginErrorMessage(err error) string {
	switch {
	case identity.IsResolutionError(err):
		return "We couldn't find that account. Check the handle and try again."
	case errors.Is(err, oauth.ErrMetadataUnavailable):
		return "Your server doesn't support OAuth sign-in. Enter an app password to continue."
	case pds.IsAuthError(err):
		return "Incorrect handle or password."
	case errors.Is(err, oauthCore.ErrTimeout):
		return "Sign-in timed out. Please try again."
	default:
		return "Sign-in failed. Please try again."
	}
}
