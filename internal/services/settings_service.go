package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

// settingsRowID pins the singleton row.
const settingsRowID = 1

// Default tier thresholds and coupon settings, used the first time the
// singleton row is created.
var defaultSettings = models.ProgramSettings{
	ID:                settingsRowID,
	SilverThreshold:   decimal.NewFromInt(100),
	GoldThreshold:     decimal.NewFromInt(500),
	PlatinumThreshold: decimal.NewFromInt(1500),
	DiamondThreshold:  decimal.NewFromInt(5000),
	CouponCodeLength:  10,
}

// SettingsService owns the program's singleton configuration row with a
// get-or-create contract: readers never observe a missing row.
type SettingsService struct {
	db        *sql.DB
	validator *ValidationHelper
	logger    *zap.Logger
}

// NewSettingsService creates the settings service.
func NewSettingsService(db *sql.DB, logger *zap.Logger) *SettingsService {
	return &SettingsService{
		db:        db,
		validator: NewValidationHelper(),
		logger:    logger,
	}
}

// Get returns the settings row, creating it with defaults on first use.
func (s *SettingsService) Get(ctx context.Context) (*models.ProgramSettings, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO program_settings (id, silver_threshold, gold_threshold, platinum_threshold, diamond_threshold, coupon_code_length, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		settingsRowID, defaultSettings.SilverThreshold, defaultSettings.GoldThreshold,
		defaultSettings.PlatinumThreshold, defaultSettings.DiamondThreshold,
		defaultSettings.CouponCodeLength, time.Now())
	if err != nil {
		return nil, fmt.Errorf("ensure settings: %w", err)
	}

	var settings models.ProgramSettings
	err = s.db.QueryRowContext(ctx, `
		SELECT id, silver_threshold, gold_threshold, platinum_threshold, diamond_threshold, coupon_code_length, updated_at
		FROM program_settings
		WHERE id = $1`, settingsRowID).Scan(&settings.ID, &settings.SilverThreshold,
		&settings.GoldThreshold, &settings.PlatinumThreshold, &settings.DiamondThreshold,
		&settings.CouponCodeLength, &settings.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

type settingsRequest struct {
	SilverThreshold   decimal.Decimal `json:"silver_threshold"`
	GoldThreshold     decimal.Decimal `json:"gold_threshold"`
	PlatinumThreshold decimal.Decimal `json:"platinum_threshold"`
	DiamondThreshold  decimal.Decimal `json:"diamond_threshold"`
	CouponCodeLength  int             `json:"coupon_code_length" validate:"required,min=6,max=32"`
}

func (req *settingsRequest) validateThresholds() error {
	thresholds := []decimal.Decimal{
		req.SilverThreshold, req.GoldThreshold, req.PlatinumThreshold, req.DiamondThreshold,
	}
	if thresholds[0].Sign() < 0 {
		return fmt.Errorf("tier thresholds must not be negative")
	}
	for i := 1; i < len(thresholds); i++ {
		if !thresholds[i].GreaterThan(thresholds[i-1]) {
			return fmt.Errorf("tier thresholds must be strictly ascending")
		}
	}
	return nil
}

// HandleGetSettings returns the program settings
// @Summary Get program settings
// @Tags settings
// @Produce json
// @Success 200 {object} models.ProgramSettings
// @Router /settings [get]
func (s *SettingsService) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Get(r.Context())
	if err != nil {
		s.logger.Error("failed to load settings", zap.Error(err))
		SendErrorResponse(w, "Failed to load settings", http.StatusInternalServerError, nil)
		return
	}
	SendJSON(w, http.StatusOK, settings)
}

// HandleUpdateSettings replaces the program settings
// @Summary Update program settings
// @Tags settings
// @Accept json
// @Produce json
// @Success 200 {object} models.ProgramSettings
// @Failure 400 {object} ErrorResponse
// @Router /settings [put]
func (s *SettingsService) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := req.validateThresholds(); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	// Get-or-create first so the update always has a row to hit.
	if _, err := s.Get(r.Context()); err != nil {
		SendErrorResponse(w, "Failed to update settings", http.StatusInternalServerError, nil)
		return
	}

	_, err := s.db.ExecContext(r.Context(), `
		UPDATE program_settings
		SET silver_threshold = $1, gold_threshold = $2, platinum_threshold = $3,
		    diamond_threshold = $4, coupon_code_length = $5, updated_at = $6
		WHERE id = $7`,
		req.SilverThreshold, req.GoldThreshold, req.PlatinumThreshold,
		req.DiamondThreshold, req.CouponCodeLength, time.Now(), settingsRowID)
	if err != nil {
		s.logger.Error("failed to update settings", zap.Error(err))
		SendErrorResponse(w, "Failed to update settings", http.StatusInternalServerError, nil)
		return
	}

	settings, err := s.Get(r.Context())
	if err != nil {
		SendErrorResponse(w, "Failed to load settings", http.StatusInternalServerError, nil)
		return
	}
	SendJSON(w, http.StatusOK, settings)
}
