package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RuleTypePerAmount is the one rule type code with special evaluation
// semantics (floor(total/step)*points). Every other code is treated as a
// minimum-order rule.
const RuleTypePerAmount = "PER_AMOUNT"

// EarningRuleType names a family of earning rules. The code is immutable once
// any rule references the type.
type EarningRuleType struct {
	ID          string    `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// EarningRule converts order attributes into awarded points. Which of
// AmountStep / MinOrderValue applies is decided by the rule type code; use
// Variant to get the unambiguous typed form. Edits never rewrite past
// transactions, only future evaluations see them.
type EarningRule struct {
	ID            string           `json:"id" db:"id"`
	Name          string           `json:"name" db:"name"`
	RuleTypeID    string           `json:"rule_type_id" db:"rule_type_id"`
	RuleTypeCode  string           `json:"rule_type_code" db:"rule_type_code"`
	AmountStep    *decimal.Decimal `json:"amount_step,omitempty" db:"amount_step"`
	MinOrderValue *decimal.Decimal `json:"min_order_value,omitempty" db:"min_order_value"`
	PointsToAward int64            `json:"points_to_award" db:"points_to_award"`
	IsActive      bool             `json:"is_active" db:"is_active"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// RuleVariant is the typed interpretation of an EarningRule.
type RuleVariant interface{ ruleVariant() }

// PerAmount awards Points for every full Step of order total.
type PerAmount struct {
	Step   decimal.Decimal
	Points int64
}

// MinimumOrder awards Points once if the order total reaches Threshold.
type MinimumOrder struct {
	Threshold decimal.Decimal
	Points    int64
}

func (PerAmount) ruleVariant()    {}
func (MinimumOrder) ruleVariant() {}

// Variant resolves the rule into its tagged form. A PER_AMOUNT rule without a
// step is a configuration error.
func (r *EarningRule) Variant() (RuleVariant, error) {
	if r.RuleTypeCode == RuleTypePerAmount {
		if r.AmountStep == nil {
			return nil, fmt.Errorf("earning rule %s: PER_AMOUNT rule has no amount_step", r.ID)
		}
		return PerAmount{Step: *r.AmountStep, Points: r.PointsToAward}, nil
	}
	threshold := decimal.Zero
	if r.MinOrderValue != nil {
		threshold = *r.MinOrderValue
	}
	return MinimumOrder{Threshold: threshold, Points: r.PointsToAward}, nil
}

// Reward types.
const (
	RewardFixedAmount = "FIXED_AMOUNT"
	RewardPercentage  = "PERCENTAGE"
)

// RewardRule converts a points cost into a discount coupon.
type RewardRule struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Description   string          `json:"description" db:"description"`
	PointsCost    int64           `json:"points_cost" db:"points_cost"`
	RewardType    string          `json:"reward_type" db:"reward_type"`
	DiscountValue decimal.Decimal `json:"discount_value" db:"discount_value"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}
