package inventory

import "time"

// FungibleStock is the aggregate counter pair for one SKU. Any unit is
// interchangeable; the ledger only tracks how many exist and how many are
// held by active reservations.
type FungibleStock struct {
	SKU            string    `json:"sku"`
	AmountInStock  int       `json:"amountInStock"`
	AmountReserved int       `json:"amountReserved"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Available is the capacity left for new reservations.
func (s FungibleStock) Available() int {
	return s.AmountInStock - s.AmountReserved
}

// NonFungibleItem is a single unique unit identified by its serial. Serials
// are globally unique; the SKU groups items of the same product. Sold is
// terminal: once set, no reservation operation on the item succeeds again.
type NonFungibleItem struct {
	SKU       string    `json:"sku"`
	Serial    string    `json:"serial"`
	Reserved  bool      `json:"reserved"`
	Sold      bool      `json:"sold"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
