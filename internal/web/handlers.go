package web

import (
	"log/slog"
	"net/http"

	oauthHandlers "Civitas/internal/api/handlers/oauth"
	oauthCore "Civitas/internal/core/oauth"
)

// StateSource reports the current auth state
type StateSource interface {
	State() oauthCore.AuthState
}

// Handlers provides HTTP handlers for the web interface.
type Handlers struct {
	templates *Templates
	auth      StateSource
	flashes   *oauthHandlers.FlashStore
	exchanges *oauthHandlers.ExchangeTracker
}

// NewHandlers creates a new Handlers instance with the provided dependencies.
func NewHandlers(templates *Templates, auth StateSource, flashes *oauthHandlers.FlashStore, exchanges *oauthHandlers.ExchangeTracker) *Handlers {
	return &Handlers{
		templates: templates,
		auth:      auth,
		flashes:   flashes,
		exchanges: exchanges,
	}
}

// HomePageData holds data for the home page template.
type HomePageData struct {
	Session *oauthCore.Session
	Agent   string
	Handle  string
	Flashes []string
	// AskPassword shows the app password field after OAuth was unavailable
	AskPassword     bool
	ExchangePending bool
	LoggedIn        bool
}

// HomeHandler handles GET / and renders the sign-in page or the signed-in view.
func (h *Handlers) HomeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	state := h.auth.State()
	data := HomePageData{
		LoggedIn:    state.IsAuthenticated,
		Session:     state.Session,
		Agent:       state.Agent,
		Handle:      r.URL.Query().Get("handle"),
		AskPassword: r.URL.Query().Get("password") == "1",
	}

	pending, err := h.exchanges.Status()
	data.ExchangePending = pending && !state.IsAuthenticated
	data.Flashes = h.flashes.Pop(w, r)
	if err != nil {
		data.Flashes = append(data.Flashes, "Sign-in failed. Please try again.")
	}

	w.Header().Set("Cache-Control", "no-store")
	if err := h.templates.Render(w, "home.html", data); err != nil {
		slog.Error("failed to render home page", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
