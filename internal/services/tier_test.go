package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

func TestTierFor(t *testing.T) {
	thresholds := defaultSettings.Thresholds()

	cases := []struct {
		spent string
		want  models.Tier
	}{
		{"0", models.TierBronze},
		{"99.99", models.TierBronze},
		{"100", models.TierSilver},
		{"499.99", models.TierSilver},
		{"500", models.TierGold},
		{"1499.99", models.TierGold},
		{"1500", models.TierPlatinum},
		{"4999.99", models.TierPlatinum},
		{"5000", models.TierDiamond},
		{"1000000", models.TierDiamond},
	}

	for _, tc := range cases {
		t.Run(tc.spent+" -> "+string(tc.want), func(t *testing.T) {
			assert.Equal(t, tc.want, TierFor(dec(tc.spent), thresholds))
		})
	}
}

func TestTierFor_NoThresholds(t *testing.T) {
	assert.Equal(t, models.TierBronze, TierFor(dec("9999"), nil))
}
