package models

import "time"

// Transaction types. EARN_ORDER and ADJUST_REPROCESS rows are rewritten by a
// reprocess run; REDEEM rows reflect coupons already in customers' hands and
// always survive.
const (
	TxEarnOrder       = "EARN_ORDER"
	TxRedeem          = "REDEEM"
	TxAdjustReprocess = "ADJUST_REPROCESS"
	TxManual          = "MANUAL"
)

// PointTransaction is one immutable entry in the append-only points ledger.
// Positive points are credits, negative points are debits. The account balance
// is defined as the sum of these rows; the cached column on LoyaltyAccount is
// only an optimization.
type PointTransaction struct {
	ID              string    `json:"id" db:"id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	Points          int64     `json:"points" db:"points"`
	TransactionType string    `json:"transaction_type" db:"transaction_type"`
	Description     string    `json:"description" db:"description"`
	SourceOrderID   *string   `json:"source_order_id,omitempty" db:"source_order_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// ReprocessSummary is the result of a full ledger reprocess run.
type ReprocessSummary struct {
	OrdersProcessed int `json:"orders_processed"`
	AccountsUpdated int `json:"accounts_updated"`
}
