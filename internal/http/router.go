package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/keyproof/server/internal/http/handlers"
	"github.com/keyproof/server/internal/middleware"
)

// NewRouter builds the HTTP routing tree.
func NewRouter(
	authHandler *handlers.AuthHandler,
	healthHandler *handlers.HealthHandler,
	authMiddleware *middleware.AuthMiddleware,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler.HandleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register-device", authHandler.HandleRegisterDevice)
		r.Post("/challenge", authHandler.HandleChallenge)
		r.Post("/verify-device", authHandler.HandleVerifyDevice)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.RequireAuth)
		r.Get("/me", authHandler.HandleMe)
	})

	return r
}
