package reservation

import "time"

type Kind string

const (
	KindFungible    Kind = "fungible"
	KindNonFungible Kind = "non_fungible"
)

// Reservation is a temporary hold on capacity. It owns the record of how much
// capacity it consumed: on release the stored Qty is used exclusively, never
// a caller-supplied amount, so a mismatched release cannot corrupt the
// ledger. Expired transitions false→true exactly once; the corresponding
// ledger or registry effect is reversed in the same transaction.
type Reservation struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SKU       string    `json:"sku"`
	Serial    string    `json:"serial,omitempty"`
	Qty       int       `json:"qty,omitempty"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"created"`
	ExpiresAt time.Time `json:"expiration"`
	Expired   bool      `json:"expired"`
}

// Key is the concurrency-guard key for the inventory this reservation holds.
// Fungible reservations contend per SKU, non-fungible ones per serial.
func (r Reservation) Key() string {
	if r.Kind == KindNonFungible {
		return ItemKey(r.Serial)
	}
	return StockKey(r.SKU)
}

func StockKey(sku string) string   { return "stock/" + sku }
func ItemKey(serial string) string { return "item/" + serial }

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	SKU    string
	Serial string
	UserID string
}
