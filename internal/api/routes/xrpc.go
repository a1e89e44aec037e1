package routes

import (
	"github.com/go-chi/chi/v5"

	xrpcHandlers "Civitas/internal/api/handlers/xrpc"
)

// RegisterXRPCRoutes mounts the authenticated XRPC proxy
func RegisterXRPCRoutes(r chi.Router, proxy *xrpcHandlers.ProxyHandler) {
	r.Get("/xrpc/{nsid}", proxy.HandleProxy)
	r.Post("/xrpc/{nsid}", proxy.HandleProxy)
}
