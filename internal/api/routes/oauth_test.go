package routes

import (
	"net/http"
	"sort"
	"testing"

	oauthHandlers "Civitas/internal/api/handlers/oauth"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOAuthRoutes(t *testing.T) {
	r := chi.NewRouter()
	stop := RegisterOAuthRoutes(r, OAuthHandlers{
		Login:    &oauthHandlers.LoginHandler{},
		Callback: &oauthHandlers.CallbackHandler{},
		Logout:   &oauthHandlers.LogoutHandler{},
		Demo:     &oauthHandlers.DemoHandler{},
		State:    &oauthHandlers.StateHandler{},
	}, []string{"http://127.0.0.1:8080"})
	require.NotNil(t, stop)

	var got []string
	require.NoError(t, chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		got = append(got, method+" "+route)
		return nil
	}))
	sort.Strings(got)
	assert.Equal(t, []string{
		"GET /oauth/callback",
		"GET /oauth/client-metadata.json",
		"GET /oauth/state",
		"POST /oauth/demo",
		"POST /oauth/login",
		"POST /oauth/logout",
	}, got)

	// safe to call more than once
	stop()
	stop()
}
