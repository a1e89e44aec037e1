package routes

import (
	"github.com/go-chi/chi/v5"

	"Civitas/internal/web"
)

// RegisterWebRoutes registers the home page
func RegisterWebRoutes(r chi.Router, handlers *web.Handlers) {
	r.Get("/", handlers.HomeHandler)
}
