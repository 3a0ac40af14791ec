package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/paymart-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса паймарт.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/api/webhooks/payments", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/api/orders", h.CreateOrder)
		r.Get("/api/orders/{orderID}", h.GetOrder)
		r.Post("/api/orders/{orderID}/release", h.ReleaseHold)
		r.Post("/api/orders/{orderID}/cancel", h.CancelOrder)
		r.Post("/api/orders/{orderID}/complete", h.CompleteOrder)

		r.Get("/api/payouts/summary", h.PayoutSummary)
		r.Get("/api/rates", h.GetRates)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
