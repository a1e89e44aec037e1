package oauth

import (
	"net/http"

	"Civitas/internal/api/handlers"
	"Civitas/internal/atproto/oauth"
	oauthCore "Civitas/internal/core/oauth"
)

// HandleClientMetadata serves the OAuth client metadata document
// GET /oauth/client-metadata.json
func HandleClientMetadata(client *oauth.ClientConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, "public, max-age=300", client.ClientMetadata())
	}
}

// StateResponse is the JSON view of the current auth state
type StateResponse struct {
	oauthCore.AuthState
	ExchangeError   string `json:"exchangeError,omitempty"`
	ExchangePending bool   `json:"exchangePending"`
}

// StateHandler reports the current auth state
type StateHandler struct {
	service   AuthService
	exchanges *ExchangeTracker
}

// NewStateHandler creates a new state handler
func NewStateHandler(service AuthService, exchanges *ExchangeTracker) *StateHandler {
	return &StateHandler{service: service, exchanges: exchanges}
}

// HandleState returns the auth state without tokens
// GET /oauth/state
func (h *StateHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	resp := StateResponse{AuthState: h.service.State()}
	if resp.Session != nil {
		redacted := *resp.Session
		redacted.AccessToken = ""
		redacted.RefreshToken = ""
		resp.Session = &redacted
	}

	pending, err := h.exchanges.Status()
	resp.ExchangePending = pending
	if err != nil {
		resp.ExchangeError = callbackErrorMessage(err)
	}

	handlers.WriteJSON(w, http.StatusOK, "no-store", resp)
}
