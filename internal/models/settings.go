package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a loyalty status level derived from cumulative customer spend.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

// ProgramSettings is the loyalty program's singleton configuration row.
// There is exactly one row (id = 1); readers go through the settings service's
// get-or-create so a missing row is never observable.
type ProgramSettings struct {
	ID                int             `json:"-" db:"id"`
	SilverThreshold   decimal.Decimal `json:"silver_threshold" db:"silver_threshold"`
	GoldThreshold     decimal.Decimal `json:"gold_threshold" db:"gold_threshold"`
	PlatinumThreshold decimal.Decimal `json:"platinum_threshold" db:"platinum_threshold"`
	DiamondThreshold  decimal.Decimal `json:"diamond_threshold" db:"diamond_threshold"`
	CouponCodeLength  int             `json:"coupon_code_length" db:"coupon_code_length"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Thresholds returns the tier boundaries in ascending order, bronze excluded
// (bronze is the floor below the first threshold).
func (s *ProgramSettings) Thresholds() []TierThreshold {
	return []TierThreshold{
		{Tier: TierSilver, MinSpent: s.SilverThreshold},
		{Tier: TierGold, MinSpent: s.GoldThreshold},
		{Tier: TierPlatinum, MinSpent: s.PlatinumThreshold},
		{Tier: TierDiamond, MinSpent: s.DiamondThreshold},
	}
}

// TierThreshold is the lower bound of one tier. A spend equal to MinSpent
// already belongs to the tier.
type TierThreshold struct {
	Tier     Tier
	MinSpent decimal.Decimal
}
