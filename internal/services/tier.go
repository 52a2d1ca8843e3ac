package services

import (
	"github.com/shopspring/decimal"

	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

// TierFor maps cumulative customer spend to a loyalty tier. thresholds must be
// ascending; a spend equal to a threshold already belongs to that tier.
// Pure and recomputed on every read; the tier is never persisted.
func TierFor(totalSpent decimal.Decimal, thresholds []models.TierThreshold) models.Tier {
	tier := models.TierBronze
	for _, t := range thresholds {
		if totalSpent.GreaterThanOrEqual(t.MinSpent) {
			tier = t.Tier
		} else {
			break
		}
	}
	return tier
}
