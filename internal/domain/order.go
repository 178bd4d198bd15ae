package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderItem is one line of an order.
type OrderItem struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     string          `json:"notes,omitempty"`
}

// Totals carries the order's money fields. The order-of-record owns
// pricing; the terminal never recomputes these.
type Totals struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// OrderRecord is the terminal's copy of one order. SyncVersion is the
// monotonically increasing counter the order-of-record assigns on every
// accepted write; divergence between the local and remote values is how
// conflicts are detected.
type OrderRecord struct {
	ID          uuid.UUID   `json:"id"`
	OrderNumber string      `json:"order_number"`
	Status      string      `json:"status"`
	OrderType   string      `json:"order_type"`
	Origin      string      `json:"origin"`
	DriverID    string      `json:"driver_id,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	Items       []OrderItem `json:"items"`
	Totals      Totals      `json:"totals"`
	SyncVersion int64       `json:"sync_version"`

	// LocalMutatedAt is the wall time of the last optimistic local
	// mutation. Zero for orders with no unsynced local changes. A refresh
	// snapshot older than this never overwrites the order.
	LocalMutatedAt time.Time `json:"local_mutated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dirty reports whether the order carries unsynced local mutations.
func (o OrderRecord) Dirty() bool {
	return !o.LocalMutatedAt.IsZero()
}

// SyncConflict records a divergence between the local copy of an order and
// the remote snapshot. It exists only while neither side has been chosen
// as authoritative.
type SyncConflict struct {
	ID         uuid.UUID   `json:"id"`
	OrderID    uuid.UUID   `json:"order_id"`
	Local      OrderRecord `json:"local"`
	Remote     OrderRecord `json:"remote"`
	DetectedAt time.Time   `json:"detected_at"`
}
