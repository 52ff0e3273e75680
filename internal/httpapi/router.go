package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", h.Health)

	r.Route("/api/stock", func(r chi.Router) {
		r.Get("/", h.ListStock)
		r.Post("/", h.CreateStock)
		r.Post("/adjust", h.AdjustStock)
		r.Get("/{sku}", h.GetStock)
		r.Delete("/{sku}", h.DeleteStock)
	})

	r.Route("/api/items", func(r chi.Router) {
		r.Get("/", h.ListItems)
		r.Post("/", h.CreateItem)
		r.Get("/{serial}", h.GetItem)
		r.Delete("/{sku}/{serial}", h.DeleteItem)
	})

	r.Route("/api/reservations", func(r chi.Router) {
		r.Get("/", h.QueryReservations)
		r.Post("/fungible", h.ReserveFungible)
		r.Post("/nonfungible", h.ReserveNonFungible)
		r.Get("/{id}", h.GetReservation)
		r.Delete("/{id}", h.CancelReservation)
		r.Post("/{id}/fulfill", h.FulfillReservation)
	})

	return r
}
