package services

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/config"
	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

// RedemptionService exchanges points for coupons. A redemption is
// all-or-nothing: the debit transaction and the coupon commit together or not
// at all, under the account row lock so two concurrent redemptions can never
// both spend the same balance.
type RedemptionService struct {
	db        *sql.DB
	ledger    *LedgerService
	rules     *RulesService
	settings  *SettingsService
	cache     *AccountCache
	cfg       config.CouponConfig
	validator *ValidationHelper
	logger    *zap.Logger
}

// NewRedemptionService wires the redemption processor.
func NewRedemptionService(db *sql.DB, ledger *LedgerService, rules *RulesService, settings *SettingsService, cache *AccountCache, cfg config.CouponConfig, logger *zap.Logger) *RedemptionService {
	return &RedemptionService{
		db:        db,
		ledger:    ledger,
		rules:     rules,
		settings:  settings,
		cache:     cache,
		cfg:       cfg,
		validator: NewValidationHelper(),
		logger:    logger,
	}
}

// Redeem debits reward.PointsCost from the customer's account and mints a
// coupon carrying a snapshot of the reward's discount, so later edits to the
// reward rule never change the issued coupon.
func (s *RedemptionService) Redeem(ctx context.Context, customerID, rewardRuleID string) (*models.Coupon, error) {
	reward, err := s.rules.RewardRuleByID(ctx, rewardRuleID)
	if err != nil {
		return nil, err
	}

	account, err := s.ledger.AccountByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	codeLength := 10
	if settings, err := s.settings.Get(ctx); err == nil {
		codeLength = settings.CouponCodeLength
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	locked, err := s.ledger.lockAccount(tx, account.ID)
	if err != nil {
		return nil, err
	}

	if locked.PointsBalance < reward.PointsCost {
		return nil, fmt.Errorf("balance %d, cost %d: %w",
			locked.PointsBalance, reward.PointsCost, ErrInsufficientPoints)
	}
	if !reward.IsActive {
		return nil, fmt.Errorf("reward %s: %w", reward.ID, ErrRewardInactive)
	}

	code, err := s.generateCode(tx, codeLength)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.DebitTx(tx, account.ID, reward.PointsCost, models.TxRedeem,
		fmt.Sprintf("Redeemed %s for coupon %s", reward.Name, code)); err != nil {
		return nil, err
	}

	coupon := &models.Coupon{
		ID:            uuid.New().String(),
		AccountID:     account.ID,
		RewardRuleID:  reward.ID,
		Code:          code,
		RewardType:    reward.RewardType,
		DiscountValue: reward.DiscountValue,
		CreatedAt:     time.Now(),
	}

	_, err = tx.Exec(`
		INSERT INTO coupons (id, account_id, reward_rule_id, code, reward_type, discount_value, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		coupon.ID, coupon.AccountID, coupon.RewardRuleID, coupon.Code,
		coupon.RewardType, coupon.DiscountValue, coupon.CreatedAt)
	if isUniqueViolation(err, "ux_coupons_code") {
		// A racing redemption won the code between our check and the insert.
		// The rollback leaves no partial transaction or coupon behind.
		return nil, ErrCodeGeneration
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, account.ID)
	s.logger.Info("reward redeemed",
		zap.String("account_id", account.ID),
		zap.String("reward_rule_id", reward.ID),
		zap.Int64("points_cost", reward.PointsCost),
		zap.String("coupon_code", coupon.Code))
	return coupon, nil
}

// generateCode picks an unused coupon code, retrying on collision a bounded
// number of times before giving up with ErrCodeGeneration.
func (s *RedemptionService) generateCode(tx *sql.Tx, length int) (string, error) {
	if length < 6 || length > 32 {
		length = 10
	}

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		id := uuid.New()
		code := s.cfg.CodePrefix + "-" + strings.ToUpper(hex.EncodeToString(id[:]))[:length]

		var exists bool
		if err := tx.QueryRow(
			`SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`, code).Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
		s.logger.Warn("coupon code collision, regenerating",
			zap.String("code", code), zap.Int("attempt", attempt+1))
	}
	return "", ErrCodeGeneration
}

// HandleRedeemReward redeems points for a coupon
// @Summary Redeem a reward
// @Description Debits the reward's point cost from the customer's account and issues a single-use coupon.
// @Tags rewards
// @Accept json
// @Produce json
// @Success 201 {object} models.Coupon
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /redeem_reward [post]
func (s *RedemptionService) HandleRedeemReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RewardRuleID string `json:"reward_rule_id" validate:"required,uuid"`
		CustomerID   string `json:"customer_id" validate:"required"`
	}
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	coupon, err := s.Redeem(r.Context(), req.CustomerID, req.RewardRuleID)
	if err != nil {
		s.logger.Warn("redemption failed",
			zap.String("customer_id", req.CustomerID),
			zap.String("reward_rule_id", req.RewardRuleID),
			zap.Error(err))
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusCreated, coupon)
}

// HandleConsumeCoupon flips a coupon to used, once. Called by the checkout
// flow when the coupon is applied to an order.
// @Summary Consume a coupon
// @Tags rewards
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /coupons/{code}/consume [post]
func (s *RedemptionService) HandleConsumeCoupon(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	result, err := s.db.ExecContext(r.Context(), `
		UPDATE coupons SET is_used = TRUE, used_at = $1
		WHERE code = $2 AND is_used = FALSE`, time.Now(), code)
	if err != nil {
		SendErrorResponse(w, "Failed to consume coupon", http.StatusInternalServerError, nil)
		return
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(r.Context(),
			`SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`, code).Scan(&exists); err != nil {
			SendErrorResponse(w, "Failed to consume coupon", http.StatusInternalServerError, nil)
			return
		}
		if exists {
			SendServiceError(w, ErrCouponUsed)
		} else {
			SendServiceError(w, ErrCouponNotFound)
		}
		return
	}

	s.logger.Info("coupon consumed", zap.String("code", code))
	SendJSON(w, http.StatusOK, map[string]any{"code": code, "is_used": true})
}
