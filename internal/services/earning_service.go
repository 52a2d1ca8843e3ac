package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

// EarningService evaluates completed orders against the active earning rules
// and credits the ledger. Crediting is exactly-once per order: a duplicate
// evaluation is a no-op success, both by an explicit check under the account
// lock and by the partial unique index at the ledger boundary.
type EarningService struct {
	db        *sql.DB
	ledger    *LedgerService
	rules     *RulesService
	gate      *ReprocessGate
	validator *ValidationHelper
	logger    *zap.Logger
}

// NewEarningService wires the engine. gate is shared with the reprocess
// service so live crediting pauses while a replay runs.
func NewEarningService(db *sql.DB, ledger *LedgerService, rules *RulesService, gate *ReprocessGate, logger *zap.Logger) *EarningService {
	return &EarningService{
		db:        db,
		ledger:    ledger,
		rules:     rules,
		gate:      gate,
		validator: NewValidationHelper(),
		logger:    logger,
	}
}

// Evaluate computes the point delta for an order under the given rule set.
// Pure: no I/O besides configuration warnings. Contributions of matching
// rules sum; rules are not mutually exclusive.
func (s *EarningService) Evaluate(order *models.Order, rules []models.EarningRule) int64 {
	if !order.IsCompleted() {
		return 0
	}

	var total int64
	for i := range rules {
		rule := &rules[i]
		if !rule.IsActive {
			continue
		}

		variant, err := rule.Variant()
		if err != nil {
			s.logger.Warn("skipping misconfigured earning rule",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}

		switch v := variant.(type) {
		case models.PerAmount:
			if v.Step.Sign() <= 0 {
				s.logger.Warn("earning rule has non-positive amount_step, treating as inactive",
					zap.String("rule_id", rule.ID),
					zap.String("amount_step", v.Step.String()))
				continue
			}
			steps := order.Total.Div(v.Step).Floor().IntPart()
			total += steps * v.Points
		case models.MinimumOrder:
			if order.Total.GreaterThanOrEqual(v.Threshold) {
				total += v.Points
			}
		}
	}
	return total
}

// ProcessOrder credits the order's customer once. The returned bool is false
// when nothing was credited: order not in a terminal paid state, or already
// credited (idempotent retry). Zero-point evaluations still append a ledger
// row so the order's evaluation is auditable.
func (s *EarningService) ProcessOrder(ctx context.Context, order *models.Order) (*models.PointTransaction, bool, error) {
	if !order.IsCompleted() {
		s.logger.Debug("ignoring order outside terminal paid state",
			zap.String("order_id", order.ID), zap.String("status", order.Status))
		return nil, false, nil
	}

	if s.gate.Active() {
		return nil, false, ErrEarningPaused
	}

	rules, err := s.rules.ActiveEarningRules(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load earning rules: %w", err)
	}

	account, err := s.ledger.EnsureAccount(ctx, order.CustomerID)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// Take the account lock before the duplicate check so a concurrent retry
	// of the same order serializes instead of double-crediting.
	if _, err := s.ledger.lockAccount(tx, account.ID); err != nil {
		return nil, false, err
	}

	// Re-check under the lock: a reprocess may have acquired the gate after
	// the first check but before this transaction opened.
	if s.gate.Active() {
		return nil, false, ErrEarningPaused
	}

	exists, err := s.ledger.HasEarnTransaction(tx, account.ID, order.ID)
	if err != nil {
		return nil, false, err
	}
	if exists {
		s.logger.Info("order already credited, skipping",
			zap.String("order_id", order.ID), zap.String("account_id", account.ID))
		return nil, false, nil
	}

	points := s.Evaluate(order, rules)
	entry, err := s.ledger.CreditTx(tx, account.ID, points, models.TxEarnOrder,
		fmt.Sprintf("Points earned for order %s", order.ID), &order.ID)
	if errors.Is(err, ErrDuplicateEvaluation) {
		// Unique index backstop; another writer got there first.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

type orderCompletedRequest struct {
	ID          string          `json:"id" validate:"required"`
	CustomerID  string          `json:"customer_id" validate:"required"`
	Total       decimal.Decimal `json:"total"`
	Status      string          `json:"status" validate:"required"`
	CompletedAt time.Time       `json:"completed_at"`
}

// HandleOrderCompleted receives a finalized order from the order service
// @Summary Credit points for a completed order
// @Description Evaluates the active earning rules against a finalized order and credits the customer's loyalty account. Idempotent per order.
// @Tags earning
// @Accept json
// @Produce json
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /orders/completed [post]
func (s *EarningService) HandleOrderCompleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order orderCompletedRequest `json:"order"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req.Order); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if req.Order.Total.Sign() < 0 {
		SendErrorResponse(w, "Order total must not be negative", http.StatusBadRequest, nil)
		return
	}

	order := &models.Order{
		ID:          req.Order.ID,
		CustomerID:  req.Order.CustomerID,
		Total:       req.Order.Total,
		Status:      req.Order.Status,
		CompletedAt: req.Order.CompletedAt,
	}

	entry, credited, err := s.ProcessOrder(r.Context(), order)
	if err != nil {
		s.logger.Error("failed to process order", zap.String("order_id", order.ID), zap.Error(err))
		SendServiceError(w, err)
		return
	}

	if !credited {
		SendJSON(w, http.StatusOK, map[string]any{
			"credited": false,
			"message":  "Order produced no new credit",
		})
		return
	}
	SendJSON(w, http.StatusCreated, map[string]any{
		"credited":    true,
		"transaction": entry,
	})
}
