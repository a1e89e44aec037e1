package routes

import (
	"net/http"
	"time"

	"Civitas/internal/api/middleware"
	oauthHandlers "Civitas/internal/api/handlers/oauth"
	"Civitas/internal/atproto/oauth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// OAuthHandlers groups the sign-in handlers
type OAuthHandlers struct {
	Login    *oauthHandlers.LoginHandler
	Callback *oauthHandlers.CallbackHandler
	Logout   *oauthHandlers.LogoutHandler
	Demo     *oauthHandlers.DemoHandler
	State    *oauthHandlers.StateHandler
	Client   *oauth.ClientConfig
}

// RegisterOAuthRoutes registers sign-in endpoints on the router with dedicated rate limiting.
// Login endpoints get a stricter limit to slow credential stuffing and state exhaustion.
// The returned func stops the limiters' cleanup goroutines.
func RegisterOAuthRoutes(r chi.Router, h OAuthHandlers, allowedOrigins []string) (stop func()) {
	// Login endpoints: 10 req/min per IP
	loginLimiter := middleware.NewRateLimiter(10, 1*time.Minute)

	// Logout and demo: 20 req/min per IP
	sessionLimiter := middleware.NewRateLimiter(20, 1*time.Minute)

	// Metadata is public and uses the global limit
	r.Get("/oauth/client-metadata.json", oauthHandlers.HandleClientMetadata(h.Client))
	r.Get("/oauth/state", h.State.HandleState)

	r.With(loginLimiter.Middleware).Post("/oauth/login", h.Login.HandleLogin)

	// Callback needs CORS for cross-origin redirects from the authorization server
	r.With(corsMiddleware(allowedOrigins), loginLimiter.Middleware).Get("/oauth/callback", h.Callback.HandleCallback)

	r.With(sessionLimiter.Middleware).Post("/oauth/logout", h.Logout.HandleLogout)
	r.With(sessionLimiter.Middleware).Post("/oauth/demo", h.Demo.HandleDemo)

	return func() {
		loginLimiter.Stop()
		sessionLimiter.Stop()
	}
}

// corsMiddleware creates a CORS middleware for OAuth callback with specific allowed origins
func corsMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
		},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	})
}
