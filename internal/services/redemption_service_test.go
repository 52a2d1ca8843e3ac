package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/config"
	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

var rewardRuleColumns = []string{
	"id", "name", "description", "points_cost", "reward_type", "discount_value",
	"is_active", "created_at", "updated_at",
}

func rewardRow(id string, cost int64, active bool) *sqlmock.Rows {
	return sqlmock.NewRows(rewardRuleColumns).
		AddRow(id, "10 off", "", cost, models.RewardFixedAmount, "10", active, time.Now(), time.Now())
}

var settingsColumns = []string{
	"id", "silver_threshold", "gold_threshold", "platinum_threshold",
	"diamond_threshold", "coupon_code_length", "updated_at",
}

func settingsRow(codeLength int) *sqlmock.Rows {
	return sqlmock.NewRows(settingsColumns).
		AddRow(1, "100", "500", "1500", "5000", codeLength, time.Now())
}

func expectSettingsGet(mock sqlmock.Sqlmock, codeLength int) {
	mock.ExpectExec("INSERT INTO program_settings").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM program_settings\\s+WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(settingsRow(codeLength))
}

func newTestRedemption(t *testing.T) (*RedemptionService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	logger := zap.NewNop()
	ledger := NewLedgerService(db, config.LedgerConfig{LockTimeout: time.Second}, logger)
	rules := NewRulesService(db, logger)
	settings := NewSettingsService(db, logger)
	cache := NewAccountCache(nil, time.Minute)
	cfg := config.CouponConfig{CodePrefix: "LUX", MaxRetries: 5}
	service := NewRedemptionService(db, ledger, rules, settings, cache, cfg, logger)
	return service, mock, func() { db.Close() }
}

func TestRedemptionService_Redeem(t *testing.T) {
	t.Run("debits cost and mints a snapshot coupon atomically", func(t *testing.T) {
		service, mock, cleanup := newTestRedemption(t)
		defer cleanup()

		mock.ExpectQuery("FROM reward_rules\\s+WHERE id = \\$1").
			WithArgs("reward-1").
			WillReturnRows(rewardRow("reward-1", 100, true))
		mock.ExpectQuery("FROM loyalty_accounts\\s+WHERE customer_id = \\$1").
			WithArgs("cust-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 150, 400, 2))
		expectSettingsGet(mock, 10)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 150, 400, 2))
		mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM coupons WHERE code = \\$1\\)").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 150, 400, 2))
		mock.ExpectExec("INSERT INTO point_transactions").
			WithArgs(sqlmock.AnyArg(), "acc-1", int64(-100), models.TxRedeem,
				sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE loyalty_accounts\\s+SET points_balance").
			WithArgs(int64(50), int64(400), sqlmock.AnyArg(), "acc-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO coupons").
			WithArgs(sqlmock.AnyArg(), "acc-1", "reward-1", sqlmock.AnyArg(),
				models.RewardFixedAmount, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		coupon, err := service.Redeem(context.Background(), "cust-1", "reward-1")
		assert.NoError(t, err)
		assert.Equal(t, "acc-1", coupon.AccountID)
		assert.Equal(t, "reward-1", coupon.RewardRuleID)
		assert.Equal(t, models.RewardFixedAmount, coupon.RewardType)
		assert.Contains(t, coupon.Code, "LUX-")
		assert.False(t, coupon.IsUsed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient points rolls everything back", func(t *testing.T) {
		service, mock, cleanup := newTestRedemption(t)
		defer cleanup()

		mock.ExpectQuery("FROM reward_rules\\s+WHERE id = \\$1").
			WithArgs("reward-1").
			WillReturnRows(rewardRow("reward-1", 100, true))
		mock.ExpectQuery("FROM loyalty_accounts\\s+WHERE customer_id = \\$1").
			WithArgs("cust-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 40, 40, 1))
		expectSettingsGet(mock, 10)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 40, 40, 1))
		mock.ExpectRollback()

		_, err := service.Redeem(context.Background(), "cust-1", "reward-1")
		assert.ErrorIs(t, err, ErrInsufficientPoints)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second of two concurrent redemptions loses the race", func(t *testing.T) {
		service, mock, cleanup := newTestRedemption(t)
		defer cleanup()

		// Both redemptions read balance 100 before either commits; the loser
		// re-reads under the row lock after the winner's debit landed, sees 0,
		// and fails without spending anything.
		mock.ExpectQuery("FROM reward_rules\\s+WHERE id = \\$1").
			WithArgs("reward-1").
			WillReturnRows(rewardRow("reward-1", 100, true))
		mock.ExpectQuery("FROM loyalty_accounts\\s+WHERE customer_id = \\$1").
			WithArgs("cust-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 100, 100, 1))
		expectSettingsGet(mock, 10)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 0, 100, 2))
		mock.ExpectRollback()

		_, err := service.Redeem(context.Background(), "cust-1", "reward-1")
		assert.ErrorIs(t, err, ErrInsufficientPoints)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive reward rejected", func(t *testing.T) {
		service, mock, cleanup := newTestRedemption(t)
		defer cleanup()

		mock.ExpectQuery("FROM reward_rules\\s+WHERE id = \\$1").
			WithArgs("reward-1").
			WillReturnRows(rewardRow("reward-1", 100, false))
		mock.ExpectQuery("FROM loyalty_accounts\\s+WHERE customer_id = \\$1").
			WithArgs("cust-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 150, 150, 1))
		expectSettingsGet(mock, 10)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 150, 150, 1))
		mock.ExpectRollback()

		_, err := service.Redeem(context.Background(), "cust-1", "reward-1")
		assert.ErrorIs(t, err, ErrRewardInactive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown reward", func(t *testing.T) {
		service, mock, cleanup := newTestRedemption(t)
		defer cleanup()

		mock.ExpectQuery("FROM reward_rules\\s+WHERE id = \\$1").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(rewardRuleColumns))

		_, err := service.Redeem(context.Background(), "cust-1", "missing")
		assert.ErrorIs(t, err, ErrUnknownReward)
	})

	t.Run("exhausted code attempts fail the redemption", func(t *testing.T) {
		service, mock, cleanup := newTestRedemption(t)
		defer cleanup()
		service.cfg.MaxRetries = 2

		mock.ExpectQuery("FROM reward_rules\\s+WHERE id = \\$1").
			WithArgs("reward-1").
			WillReturnRows(rewardRow("reward-1", 100, true))
		mock.ExpectQuery("FROM loyalty_accounts\\s+WHERE customer_id = \\$1").
			WithArgs("cust-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 150, 150, 1))
		expectSettingsGet(mock, 10)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 150, 150, 1))
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM coupons WHERE code = \\$1\\)").
				WithArgs(sqlmock.AnyArg()).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		}
		mock.ExpectRollback()

		_, err := service.Redeem(context.Background(), "cust-1", "reward-1")
		assert.ErrorIs(t, err, ErrCodeGeneration)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedemptionService_HandleRedeemReward(t *testing.T) {
	service, mock, cleanup := newTestRedemption(t)
	defer cleanup()

	t.Run("invalid body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/redeem_reward", bytes.NewBufferString("nope"))
		w := httptest.NewRecorder()

		service.HandleRedeemReward(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reward rule id must be a uuid", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"reward_rule_id": "not-a-uuid",
			"customer_id":    "cust-1",
		})
		r := httptest.NewRequest("POST", "/redeem_reward", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.HandleRedeemReward(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("insufficient points maps to 422", func(t *testing.T) {
		rewardID := "7a6f0a3e-52f3-4d4b-9c52-27ff4c4ac4a2"

		mock.ExpectQuery("FROM reward_rules\\s+WHERE id = \\$1").
			WithArgs(rewardID).
			WillReturnRows(rewardRow(rewardID, 100, true))
		mock.ExpectQuery("FROM loyalty_accounts\\s+WHERE customer_id = \\$1").
			WithArgs("cust-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 10, 10, 1))
		expectSettingsGet(mock, 10)
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "cust-1", 10, 10, 1))
		mock.ExpectRollback()

		body, _ := json.Marshal(map[string]string{
			"reward_rule_id": rewardID,
			"customer_id":    "cust-1",
		})
		r := httptest.NewRequest("POST", "/redeem_reward", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.HandleRedeemReward(w, r)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestRedemptionService_HandleConsumeCoupon(t *testing.T) {
	service, mock, cleanup := newTestRedemption(t)
	defer cleanup()

	router := chi.NewRouter()
	router.Post("/coupons/{code}/consume", service.HandleConsumeCoupon)

	t.Run("consumes an unused coupon", func(t *testing.T) {
		mock.ExpectExec("UPDATE coupons SET is_used = TRUE").
			WithArgs(sqlmock.AnyArg(), "LUX-ABC123").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := httptest.NewRequest("POST", "/coupons/LUX-ABC123/consume", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["is_used"])
	})

	t.Run("already used coupon conflicts", func(t *testing.T) {
		mock.ExpectExec("UPDATE coupons SET is_used = TRUE").
			WithArgs(sqlmock.AnyArg(), "LUX-USED01").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM coupons WHERE code = \\$1\\)").
			WithArgs("LUX-USED01").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		req := httptest.NewRequest("POST", "/coupons/LUX-USED01/consume", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown coupon is 404", func(t *testing.T) {
		mock.ExpectExec("UPDATE coupons SET is_used = TRUE").
			WithArgs(sqlmock.AnyArg(), "LUX-NOPE").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM coupons WHERE code = \\$1\\)").
			WithArgs("LUX-NOPE").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		req := httptest.NewRequest("POST", "/coupons/LUX-NOPE/consume", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
