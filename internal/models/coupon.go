package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coupon is a single-use discount minted by a successful redemption.
// RewardType and DiscountValue are snapshots taken at redemption time so later
// edits to the RewardRule never change an issued coupon.
type Coupon struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	RewardRuleID  string          `json:"reward_rule_id" db:"reward_rule_id"`
	Code          string          `json:"code" db:"code"`
	RewardType    string          `json:"reward_type" db:"reward_type"`
	DiscountValue decimal.Decimal `json:"discount_value" db:"discount_value"`
	IsUsed        bool            `json:"is_used" db:"is_used"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UsedAt        *time.Time      `json:"used_at,omitempty" db:"used_at"`
}
