package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bitcoinstore/inventory-service-go/internal/inventory"
	"github.com/bitcoinstore/inventory-service-go/internal/reservation"
)

// ReservationService is the slice of the reservation manager the HTTP layer
// drives.
type ReservationService interface {
	ReserveFungible(ctx context.Context, sku string, qty int, userID string, ttl time.Duration) (reservation.Reservation, error)
	ReserveNonFungible(ctx context.Context, serial, userID string, ttl time.Duration) (reservation.Reservation, error)
	Cancel(ctx context.Context, id string) (reservation.Reservation, error)
	Fulfill(ctx context.Context, id string) (reservation.Reservation, error)
	Get(ctx context.Context, id string) (reservation.Reservation, error)
	Query(ctx context.Context, f reservation.Filter) ([]reservation.Reservation, error)
	AdjustStock(ctx context.Context, sku string, delta int) (inventory.FungibleStock, error)
}

type Handler struct {
	svc      ReservationService
	ledger   inventory.Ledger
	registry inventory.Registry
}

func NewHandler(svc ReservationService, ledger inventory.Ledger, registry inventory.Registry) *Handler {
	return &Handler{svc: svc, ledger: ledger, registry: registry}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// --- stock ---

func (h *Handler) ListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	stock, err := h.ledger.Get(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

type createStockRequest struct {
	SKU          string `json:"sku"`
	InitialStock int    `json:"initialStock"`
}

func (h *Handler) CreateStock(w http.ResponseWriter, r *http.Request) {
	var req createStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.SKU == "" || req.InitialStock < 0 {
		http.Error(w, "sku is required and initialStock must not be negative", http.StatusBadRequest)
		return
	}

	stock, err := h.ledger.Create(r.Context(), req.SKU, req.InitialStock)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stock)
}

func (h *Handler) DeleteStock(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Delete(r.Context(), chi.URLParam(r, "sku")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adjustStockRequest struct {
	SKU   string `json:"sku"`
	Delta int    `json:"delta"`
}

func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	stock, err := h.svc.AdjustStock(r.Context(), req.SKU, req.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

// --- non-fungible items ---

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.registry.GetBySerial(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type createItemRequest struct {
	SKU    string `json:"sku"`
	Serial string `json:"serial"`
}

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	item, err := h.registry.Create(r.Context(), req.SKU, req.Serial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	serial := chi.URLParam(r, "serial")
	if err := h.registry.Delete(r.Context(), sku, serial); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- reservations ---

type reserveFungibleRequest struct {
	SKU        string `json:"sku"`
	Qty        int    `json:"qty"`
	UserID     string `json:"userId"`
	TTLSeconds int    `json:"ttlSeconds"`
}

func (h *Handler) ReserveFungible(w http.ResponseWriter, r *http.Request) {
	var req reserveFungibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := h.svc.ReserveFungible(r.Context(), req.SKU, req.Qty, req.UserID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type reserveNonFungibleRequest struct {
	Serial     string `json:"serial"`
	UserID     string `json:"userId"`
	TTLSeconds int    `json:"ttlSeconds"`
}

func (h *Handler) ReserveNonFungible(w http.ResponseWriter, r *http.Request) {
	var req reserveNonFungibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := h.svc.ReserveNonFungible(r.Context(), req.Serial, req.UserID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) QueryReservations(w http.ResponseWriter, r *http.Request) {
	f := reservation.Filter{
		SKU:    r.URL.Query().Get("sku"),
		Serial: r.URL.Query().Get("serial"),
		UserID: r.URL.Query().Get("userId"),
	}
	out, err := h.svc.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []reservation.Reservation{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) FulfillReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Fulfill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain taxonomy onto HTTP statuses. Business errors
// carry their message; anything unexpected is an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inventory.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, inventory.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, inventory.ErrInsufficientInventory),
		errors.Is(err, inventory.ErrAlreadyExists),
		errors.Is(err, inventory.ErrAlreadyReserved),
		errors.Is(err, inventory.ErrAlreadySold),
		errors.Is(err, inventory.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
