package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the router. The surface is deliberately flat: the
// lifecycle endpoints are public (the tokens in links are the credential),
// and only the broadcast trigger carries a key check.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Permissive CORS: subscribe forms are embedded on arbitrary pages,
	// and the GET endpoints are navigated to from email clients.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health.HandleHealth)
	r.Get("/stats", h.HandleStats)

	r.Post("/subscribe", h.HandleSubscribe)
	r.Post("/send-confirmation", h.HandleSendConfirmation)
	r.Post("/send-welcome", h.HandleSendWelcome)
	r.Get("/confirm-subscription", h.HandleConfirm)
	r.Get("/unsubscribe", h.HandleUnsubscribe)

	r.Post("/send-newsletter", h.HandleSendNewsletter)

	return r
}
