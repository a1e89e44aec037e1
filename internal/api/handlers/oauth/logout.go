package oauth

import (
	"log/slog"
	"net/http"
)

// LogoutHandler handles user logout
type LogoutHandler struct {
	service AuthService
}

// NewLogoutHandler creates a new logout handler
func NewLogoutHandler(service AuthService) *LogoutHandler {
	return &LogoutHandler{service: service}
}

// HandleLogout logs out the current user
// POST /oauth/logout
func (h *LogoutHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		// memory is already cleared; storage will be retried on next logout
		slog.Error("logout did not clear storage", "error", err)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// DemoHandler signs in as the demo identity
type DemoHandler struct {
	service AuthService
	flashes *FlashStore
}

// NewDemoHandler creates a new demo handler
func NewDemoHandler(service AuthService, flashes *FlashStore) *DemoHandler {
	return &DemoHandler{service: service, flashes: flashes}
}

// HandleDemo activates demo mode
// POST /oauth/demo
func (h *DemoHandler) HandleDemo(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.ActivateDemo(r.Context()); err != nil {
		slog.Error("failed to activate demo mode", "error", err)
		h.flashes.Add(w, r, "Demo mode is unavailable right now.")
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
