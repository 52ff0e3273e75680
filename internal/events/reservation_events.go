package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bitcoinstore/inventory-service-go/internal/reservation"
)

const (
	EventNameReservationCreated   = "ReservationCreated"
	EventNameReservationExpired   = "ReservationExpired"
	EventNameReservationFulfilled = "ReservationFulfilled"

	reservationSchemaCreated   = "marketplace.reservation.created.v1"
	reservationSchemaExpired   = "marketplace.reservation.expired.v1"
	reservationSchemaFulfilled = "marketplace.reservation.fulfilled.v1"
)

// ReservationPayload is the shared payload for all reservation lifecycle
// events. Qty and Serial mirror the reservation record: exactly one of them
// is meaningful depending on Kind.
type ReservationPayload struct {
	ReservationID string    `json:"reservationId"`
	Kind          string    `json:"kind"`
	SKU           string    `json:"sku"`
	Serial        string    `json:"serial,omitempty"`
	Qty           int       `json:"qty,omitempty"`
	UserID        string    `json:"userId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Timestamp     time.Time `json:"timestamp"`
}

func reservationPayload(r reservation.Reservation, at time.Time) ReservationPayload {
	return ReservationPayload{
		ReservationID: r.ID,
		Kind:          string(r.Kind),
		SKU:           r.SKU,
		Serial:        r.Serial,
		Qty:           r.Qty,
		UserID:        r.UserID,
		ExpiresAt:     r.ExpiresAt,
		Timestamp:     at,
	}
}

func newReservationEvent(name, schema string, seq int64, producer string, payload ReservationPayload, at time.Time) EventEnvelope {
	body, _ := json.Marshal(payload)
	return EventEnvelope{
		EventName:    name,
		EventVersion: 1,
		EventID:      uuid.NewString(),
		Producer:     producer,
		PartitionKey: payload.ReservationID,
		Sequence:     seq,
		OccurredAt:   at,
		Schema:       schema,
		Payload:      body,
	}
}
