package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoyaltyAccount holds one customer's points. The balance columns are caches
// derived from the transaction log; they are only written inside the same SQL
// transaction that appends the corresponding PointTransaction. Accounts are
// archived, never deleted, so the transaction history stays auditable.
type LoyaltyAccount struct {
	ID                string    `json:"id" db:"id"`
	CustomerID        string    `json:"customer_id" db:"customer_id"`
	PointsBalance     int64     `json:"points_balance" db:"points_balance"`
	TotalPointsEarned int64     `json:"total_points_earned" db:"total_points_earned"`
	IsArchived        bool      `json:"is_archived" db:"is_archived"`
	Version           int       `json:"-" db:"version"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Customer mirrors the read-only fields owned by the customer/order service.
// The ledger never writes these.
type Customer struct {
	ID             string          `json:"id"`
	Identification string          `json:"identification"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	OrdersCount    int             `json:"orders_count"`
}
