package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses as reported by the order service. Only terminal paid states
// ever reach the earning engine.
const (
	OrderCompleted = "COMPLETED"
	OrderPaid      = "PAID"
	OrderCancelled = "CANCELLED"
	OrderRefunded  = "REFUNDED"
)

// Order is the read-only view of a finalized order consumed from the order
// service. The loyalty engine never mutates orders.
type Order struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	Total       decimal.Decimal `json:"total"`
	Status      string          `json:"status"`
	CompletedAt time.Time       `json:"completed_at"`
}

// IsCompleted reports whether the order is in a terminal paid state and may
// credit points. Cancelled and refunded orders never do.
func (o *Order) IsCompleted() bool {
	return o.Status == OrderCompleted || o.Status == OrderPaid
}
