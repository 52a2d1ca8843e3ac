package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

// RulesService manages the earning rule type, earning rule and reward rule
// catalogs. Rules are versioned by edit: past ledger transactions are never
// touched, only evaluations after the edit see the new values.
type RulesService struct {
	db        *sql.DB
	validator *ValidationHelper
	logger    *zap.Logger
}

// NewRulesService creates the catalog service.
func NewRulesService(db *sql.DB, logger *zap.Logger) *RulesService {
	return &RulesService{
		db:        db,
		validator: NewValidationHelper(),
		logger:    logger,
	}
}

// ActiveEarningRules returns all active earning rules with their type codes
// resolved, for the earning engine.
func (s *RulesService) ActiveEarningRules(ctx context.Context) ([]models.EarningRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.rule_type_id, t.code, r.amount_step, r.min_order_value,
		       r.points_to_award, r.is_active, r.created_at, r.updated_at
		FROM earning_rules r
		JOIN earning_rule_types t ON t.id = r.rule_type_id
		WHERE r.is_active = TRUE AND t.is_active = TRUE
		ORDER BY r.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEarningRules(rows)
}

// RewardRuleByID fetches one reward rule for redemption.
func (s *RulesService) RewardRuleByID(ctx context.Context, id string) (*models.RewardRule, error) {
	var r models.RewardRule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, points_cost, reward_type, discount_value, is_active, created_at, updated_at
		FROM reward_rules
		WHERE id = $1`, id).Scan(&r.ID, &r.Name, &r.Description, &r.PointsCost,
		&r.RewardType, &r.DiscountValue, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownReward
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- earning rule types ---

type ruleTypeRequest struct {
	Code        string `json:"code" validate:"required,max=50"`
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	IsActive    *bool  `json:"is_active"`
}

// ListRuleTypes returns all earning rule types
// @Summary List earning rule types
// @Tags rules
// @Produce json
// @Success 200 {array} models.EarningRuleType
// @Router /rule-types [get]
func (s *RulesService) ListRuleTypes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, code, name, description, is_active, created_at, updated_at
		FROM earning_rule_types
		ORDER BY created_at`)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch rule types", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	types := []models.EarningRuleType{}
	for rows.Next() {
		var t models.EarningRuleType
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Description, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch rule types", http.StatusInternalServerError, nil)
			return
		}
		types = append(types, t)
	}
	SendJSON(w, http.StatusOK, types)
}

// CreateRuleType creates a new earning rule type
// @Summary Create an earning rule type
// @Tags rules
// @Accept json
// @Produce json
// @Success 201 {object} models.EarningRuleType
// @Failure 400 {object} ErrorResponse
// @Router /rule-types [post]
func (s *RulesService) CreateRuleType(w http.ResponseWriter, r *http.Request) {
	var req ruleTypeRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	t := models.EarningRuleType{
		ID:          uuid.New().String(),
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive == nil || *req.IsActive,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	_, err := s.db.ExecContext(r.Context(), `
		INSERT INTO earning_rule_types (id, code, name, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Code, t.Name, t.Description, t.IsActive, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err, "") {
		SendErrorResponse(w, fmt.Sprintf("Rule type code %q already exists", t.Code), http.StatusConflict, nil)
		return
	}
	if err != nil {
		s.logger.Error("failed to create rule type", zap.Error(err))
		SendErrorResponse(w, "Failed to create rule type", http.StatusInternalServerError, nil)
		return
	}
	SendJSON(w, http.StatusCreated, t)
}

// UpdateRuleType updates an earning rule type. The code is immutable once any
// earning rule references the type.
func (s *RulesService) UpdateRuleType(w http.ResponseWriter, r *http.Request) {
	typeID := chi.URLParam(r, "typeId")

	var req ruleTypeRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var currentCode string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT code FROM earning_rule_types WHERE id = $1`, typeID).Scan(&currentCode)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Rule type not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to update rule type", http.StatusInternalServerError, nil)
		return
	}

	if req.Code != currentCode {
		refs, err := s.ruleTypeReferences(r.Context(), typeID)
		if err != nil {
			SendErrorResponse(w, "Failed to update rule type", http.StatusInternalServerError, nil)
			return
		}
		if refs > 0 {
			SendErrorResponse(w, "Rule type code is immutable once referenced by earning rules", http.StatusConflict, nil)
			return
		}
	}

	isActive := req.IsActive == nil || *req.IsActive
	_, err = s.db.ExecContext(r.Context(), `
		UPDATE earning_rule_types
		SET code = $1, name = $2, description = $3, is_active = $4, updated_at = $5
		WHERE id = $6`,
		req.Code, req.Name, req.Description, isActive, time.Now(), typeID)
	if isUniqueViolation(err, "") {
		SendErrorResponse(w, fmt.Sprintf("Rule type code %q already exists", req.Code), http.StatusConflict, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to update rule type", http.StatusInternalServerError, nil)
		return
	}
	SendJSON(w, http.StatusOK, map[string]string{"id": typeID, "status": "updated"})
}

// DeleteRuleType removes a rule type. Deleting a type referenced by an
// existing earning rule is a referential conflict.
// @Summary Delete an earning rule type
// @Tags rules
// @Produce json
// @Success 204
// @Failure 409 {object} ErrorResponse
// @Router /rule-types/{typeId} [delete]
func (s *RulesService) DeleteRuleType(w http.ResponseWriter, r *http.Request) {
	typeID := chi.URLParam(r, "typeId")

	refs, err := s.ruleTypeReferences(r.Context(), typeID)
	if err != nil {
		SendErrorResponse(w, "Failed to delete rule type", http.StatusInternalServerError, nil)
		return
	}
	if refs > 0 {
		SendServiceError(w, fmt.Errorf("%d earning rules reference this type: %w", refs, ErrRuleTypeInUse))
		return
	}

	result, err := s.db.ExecContext(r.Context(), `DELETE FROM earning_rule_types WHERE id = $1`, typeID)
	if isForeignKeyViolation(err) {
		SendServiceError(w, ErrRuleTypeInUse)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to delete rule type", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Rule type not found", http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RulesService) ruleTypeReferences(ctx context.Context, typeID string) (int, error) {
	var refs int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM earning_rules WHERE rule_type_id = $1`, typeID).Scan(&refs)
	return refs, err
}

// --- earning rules ---

type earningRuleRequest struct {
	Name          string           `json:"name" validate:"required,max=100"`
	RuleTypeID    string           `json:"rule_type_id" validate:"required,uuid"`
	AmountStep    *decimal.Decimal `json:"amount_step"`
	MinOrderValue *decimal.Decimal `json:"min_order_value"`
	PointsToAward int64            `json:"points_to_award" validate:"required,gt=0"`
	IsActive      *bool            `json:"is_active"`
}

// validateVariant enforces the tagged-variant shape: a PER_AMOUNT rule sets
// amount_step only, every other type sets min_order_value only. This is what
// keeps "which field means what" unambiguous at write time.
func (s *RulesService) validateVariant(ctx context.Context, req *earningRuleRequest) (code string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT code FROM earning_rule_types WHERE id = $1`, req.RuleTypeID).Scan(&code)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("rule type %s does not exist", req.RuleTypeID)
	}
	if err != nil {
		return "", err
	}

	if code == models.RuleTypePerAmount {
		if req.AmountStep == nil || req.AmountStep.Sign() <= 0 {
			return "", fmt.Errorf("PER_AMOUNT rules require a positive amount_step")
		}
		if req.MinOrderValue != nil {
			return "", fmt.Errorf("PER_AMOUNT rules must not set min_order_value")
		}
		return code, nil
	}
	if req.MinOrderValue == nil || req.MinOrderValue.Sign() < 0 {
		return "", fmt.Errorf("%s rules require a non-negative min_order_value", code)
	}
	if req.AmountStep != nil {
		return "", fmt.Errorf("%s rules must not set amount_step", code)
	}
	return code, nil
}

// ListEarningRules returns all earning rules
// @Summary List earning rules
// @Tags rules
// @Produce json
// @Success 200 {array} models.EarningRule
// @Router /earning-rules [get]
func (s *RulesService) ListEarningRules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT r.id, r.name, r.rule_type_id, t.code, r.amount_step, r.min_order_value,
		       r.points_to_award, r.is_active, r.created_at, r.updated_at
		FROM earning_rules r
		JOIN earning_rule_types t ON t.id = r.rule_type_id
		ORDER BY r.created_at`)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch earning rules", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	rules, err := scanEarningRules(rows)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch earning rules", http.StatusInternalServerError, nil)
		return
	}
	SendJSON(w, http.StatusOK, rules)
}

// CreateEarningRule creates a new earning rule
// @Summary Create an earning rule
// @Tags rules
// @Accept json
// @Produce json
// @Success 201 {object} models.EarningRule
// @Failure 400 {object} ErrorResponse
// @Router /earning-rules [post]
func (s *RulesService) CreateEarningRule(w http.ResponseWriter, r *http.Request) {
	var req earningRuleRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	code, err := s.validateVariant(r.Context(), &req)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	rule := models.EarningRule{
		ID:            uuid.New().String(),
		Name:          req.Name,
		RuleTypeID:    req.RuleTypeID,
		RuleTypeCode:  code,
		AmountStep:    req.AmountStep,
		MinOrderValue: req.MinOrderValue,
		PointsToAward: req.PointsToAward,
		IsActive:      req.IsActive == nil || *req.IsActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO earning_rules (id, name, rule_type_id, amount_step, min_order_value, points_to_award, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.Name, rule.RuleTypeID, rule.AmountStep, rule.MinOrderValue,
		rule.PointsToAward, rule.IsActive, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to create earning rule", zap.Error(err))
		SendErrorResponse(w, "Failed to create earning rule", http.StatusInternalServerError, nil)
		return
	}
	SendJSON(w, http.StatusCreated, rule)
}

// UpdateEarningRule edits an earning rule in place. Past transactions keep the
// points they were credited with.
func (s *RulesService) UpdateEarningRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req earningRuleRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if _, err := s.validateVariant(r.Context(), &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	isActive := req.IsActive == nil || *req.IsActive
	result, err := s.db.ExecContext(r.Context(), `
		UPDATE earning_rules
		SET name = $1, rule_type_id = $2, amount_step = $3, min_order_value = $4,
		    points_to_award = $5, is_active = $6, updated_at = $7
		WHERE id = $8`,
		req.Name, req.RuleTypeID, req.AmountStep, req.MinOrderValue,
		req.PointsToAward, isActive, time.Now(), ruleID)
	if err != nil {
		SendErrorResponse(w, "Failed to update earning rule", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Earning rule not found", http.StatusNotFound, nil)
		return
	}
	SendJSON(w, http.StatusOK, map[string]string{"id": ruleID, "status": "updated"})
}

// DeleteEarningRule removes an earning rule. Past transactions are unaffected.
func (s *RulesService) DeleteEarningRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	result, err := s.db.ExecContext(r.Context(), `DELETE FROM earning_rules WHERE id = $1`, ruleID)
	if err != nil {
		SendErrorResponse(w, "Failed to delete earning rule", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Earning rule not found", http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- reward rules ---

type rewardRuleRequest struct {
	Name          string          `json:"name" validate:"required,max=100"`
	Description   string          `json:"description" validate:"max=500"`
	PointsCost    int64           `json:"points_cost" validate:"required,gt=0"`
	RewardType    string          `json:"reward_type" validate:"required,oneof=FIXED_AMOUNT PERCENTAGE"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	IsActive      *bool           `json:"is_active"`
}

func (req *rewardRuleRequest) validateDiscount() error {
	if req.DiscountValue.Sign() <= 0 {
		return fmt.Errorf("discount_value must be positive")
	}
	if req.RewardType == models.RewardPercentage && req.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("percentage discount cannot exceed 100")
	}
	return nil
}

// ListRewardRules returns all reward rules
// @Summary List reward rules
// @Tags rewards
// @Produce json
// @Success 200 {array} models.RewardRule
// @Router /reward-rules [get]
func (s *RulesService) ListRewardRules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, name, description, points_cost, reward_type, discount_value, is_active, created_at, updated_at
		FROM reward_rules
		ORDER BY created_at`)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch reward rules", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	rules := []models.RewardRule{}
	for rows.Next() {
		var rr models.RewardRule
		if err := rows.Scan(&rr.ID, &rr.Name, &rr.Description, &rr.PointsCost,
			&rr.RewardType, &rr.DiscountValue, &rr.IsActive, &rr.CreatedAt, &rr.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch reward rules", http.StatusInternalServerError, nil)
			return
		}
		rules = append(rules, rr)
	}
	SendJSON(w, http.StatusOK, rules)
}

// CreateRewardRule creates a new reward rule
// @Summary Create a reward rule
// @Tags rewards
// @Accept json
// @Produce json
// @Success 201 {object} models.RewardRule
// @Failure 400 {object} ErrorResponse
// @Router /reward-rules [post]
func (s *RulesService) CreateRewardRule(w http.ResponseWriter, r *http.Request) {
	var req rewardRuleRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := req.validateDiscount(); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	rule := models.RewardRule{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Description:   req.Description,
		PointsCost:    req.PointsCost,
		RewardType:    req.RewardType,
		DiscountValue: req.DiscountValue,
		IsActive:      req.IsActive == nil || *req.IsActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	_, err := s.db.ExecContext(r.Context(), `
		INSERT INTO reward_rules (id, name, description, points_cost, reward_type, discount_value, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.Name, rule.Description, rule.PointsCost, rule.RewardType,
		rule.DiscountValue, rule.IsActive, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to create reward rule", zap.Error(err))
		SendErrorResponse(w, "Failed to create reward rule", http.StatusInternalServerError, nil)
		return
	}
	SendJSON(w, http.StatusCreated, rule)
}

// UpdateRewardRule edits a reward rule. Issued coupons keep their snapshot.
func (s *RulesService) UpdateRewardRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req rewardRuleRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := req.validateDiscount(); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	isActive := req.IsActive == nil || *req.IsActive
	result, err := s.db.ExecContext(r.Context(), `
		UPDATE reward_rules
		SET name = $1, description = $2, points_cost = $3, reward_type = $4,
		    discount_value = $5, is_active = $6, updated_at = $7
		WHERE id = $8`,
		req.Name, req.Description, req.PointsCost, req.RewardType,
		req.DiscountValue, isActive, time.Now(), ruleID)
	if err != nil {
		SendErrorResponse(w, "Failed to update reward rule", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Reward rule not found", http.StatusNotFound, nil)
		return
	}
	SendJSON(w, http.StatusOK, map[string]string{"id": ruleID, "status": "updated"})
}

// DeleteRewardRule removes a reward rule. Issued coupons survive because they
// carry their own discount snapshot.
func (s *RulesService) DeleteRewardRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	result, err := s.db.ExecContext(r.Context(), `DELETE FROM reward_rules WHERE id = $1`, ruleID)
	if isForeignKeyViolation(err) {
		// Coupons hold a foreign key to the rule; once any coupon was issued
		// the rule can only be deactivated.
		SendErrorResponse(w, "Reward rule has issued coupons; deactivate it instead", http.StatusConflict, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to delete reward rule", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Reward rule not found", http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func scanEarningRules(rows *sql.Rows) ([]models.EarningRule, error) {
	rules := []models.EarningRule{}
	for rows.Next() {
		var rule models.EarningRule
		var step, minOrder sql.NullString
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.RuleTypeID, &rule.RuleTypeCode,
			&step, &minOrder, &rule.PointsToAward, &rule.IsActive,
			&rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		if step.Valid {
			d, err := decimal.NewFromString(step.String)
			if err != nil {
				return nil, err
			}
			rule.AmountStep = &d
		}
		if minOrder.Valid {
			d, err := decimal.NewFromString(minOrder.String)
			if err != nil {
				return nil, err
			}
			rule.MinOrderValue = &d
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
