package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

const (
	reprocessLockKey = "loyalty:reprocess:lock"
	reprocessLockTTL = 30 * time.Minute
)

// ReprocessGate is the process-wide exclusive mode for reprocessing. While
// held, live EARN_ORDER writes are rejected as retryable so an order is never
// evaluated both live and replayed. With Redis available the lock also spans
// replicas; without it, only this process is guarded.
type ReprocessGate struct {
	running atomic.Bool
	redis   *redis.Client
}

// NewReprocessGate creates the gate. rdb may be nil.
func NewReprocessGate(rdb *redis.Client) *ReprocessGate {
	return &ReprocessGate{redis: rdb}
}

// Acquire takes the gate or fails immediately with ErrReprocessRunning.
// Concurrent reprocess requests are rejected, never queued.
func (g *ReprocessGate) Acquire(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrReprocessRunning
	}
	if g.redis != nil {
		ok, err := g.redis.SetNX(ctx, reprocessLockKey, "1", reprocessLockTTL).Result()
		if err != nil {
			g.running.Store(false)
			return fmt.Errorf("acquire reprocess lock: %w", err)
		}
		if !ok {
			g.running.Store(false)
			return ErrReprocessRunning
		}
	}
	return nil
}

// Release frees the gate. Deterministic: called via defer by the job.
func (g *ReprocessGate) Release(ctx context.Context) {
	if g.redis != nil {
		g.redis.Del(ctx, reprocessLockKey)
	}
	g.running.Store(false)
}

// Active reports whether a reprocess is in flight, here or on a peer.
func (g *ReprocessGate) Active() bool {
	if g.running.Load() {
		return true
	}
	if g.redis != nil {
		n, err := g.redis.Exists(context.Background(), reprocessLockKey).Result()
		return err == nil && n > 0
	}
	return false
}

// OrderSource supplies the historical completed orders for a replay.
type OrderSource interface {
	CompletedOrders(ctx context.Context) ([]models.Order, error)
}

// ReprocessService is the destructive bulk recomputation: it wipes every
// EARN_ORDER and ADJUST_REPROCESS transaction and replays the earning engine
// over the full order history. REDEEM transactions and issued coupons always
// survive, even when the recomputed balance would not have covered them.
type ReprocessService struct {
	db     *sql.DB
	ledger *LedgerService
	rules  *RulesService
	engine *EarningService
	orders OrderSource
	gate   *ReprocessGate
	cache  *AccountCache
	logger *zap.Logger
}

// NewReprocessService wires the job.
func NewReprocessService(db *sql.DB, ledger *LedgerService, rules *RulesService, engine *EarningService, orders OrderSource, gate *ReprocessGate, cache *AccountCache, logger *zap.Logger) *ReprocessService {
	return &ReprocessService{
		db:     db,
		ledger: ledger,
		rules:  rules,
		engine: engine,
		orders: orders,
		gate:   gate,
		cache:  cache,
		logger: logger,
	}
}

// Reprocess runs the full replay. Idempotent: two consecutive runs over an
// unchanged order history produce identical balances. Order history is
// fetched before the SQL transaction opens, so no network I/O happens while
// rows are held.
func (s *ReprocessService) Reprocess(ctx context.Context) (*models.ReprocessSummary, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.gate.Release(ctx)

	s.logger.Info("reprocess started")

	history, err := s.orders.CompletedOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch order history: %w", err)
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].CompletedAt.Before(history[j].CompletedAt)
	})

	rules, err := s.rules.ActiveEarningRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load earning rules: %w", err)
	}

	// Accounts are upserted before the replay transaction; the upsert is
	// idempotent, so a later rollback at worst leaves empty accounts behind.
	accountByCustomer := make(map[string]string)
	for _, order := range history {
		if !order.IsCompleted() {
			continue
		}
		if _, ok := accountByCustomer[order.CustomerID]; ok {
			continue
		}
		account, err := s.ledger.EnsureAccount(ctx, order.CustomerID)
		if err != nil {
			return nil, err
		}
		accountByCustomer[order.CustomerID] = account.ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Drain in-flight earn transactions before the wipe. Without this a live
	// credit that passed the gate check could commit between the DELETE
	// snapshot and the recompute, leaving points_balance != sum(points).
	if _, err := tx.Exec(`LOCK TABLE point_transactions IN EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("lock transaction log: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM point_transactions
		WHERE transaction_type IN ($1, $2)`,
		models.TxEarnOrder, models.TxAdjustReprocess); err != nil {
		return nil, fmt.Errorf("clear earned transactions: %w", err)
	}

	processed := 0
	for i := range history {
		order := &history[i]
		if !order.IsCompleted() {
			continue
		}

		points := s.engine.Evaluate(order, rules)
		if err := s.insertReplayTransaction(tx, accountByCustomer[order.CustomerID], order, points); err != nil {
			return nil, fmt.Errorf("replay order %s: %w", order.ID, err)
		}
		processed++
	}

	updated, err := s.recomputeBalances(tx)
	if err != nil {
		return nil, fmt.Errorf("recompute balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.cache.InvalidateAll(ctx)
	s.logger.Info("reprocess finished",
		zap.Int("orders_processed", processed),
		zap.Int("accounts_updated", updated))
	return &models.ReprocessSummary{OrdersProcessed: processed, AccountsUpdated: updated}, nil
}

// insertReplayTransaction writes a fresh EARN_ORDER row stamped with the
// order's completion time so replayed history keeps its chronology. A
// duplicate order in the source history hits the unique index and is skipped.
func (s *ReprocessService) insertReplayTransaction(tx *sql.Tx, accountID string, order *models.Order, points int64) error {
	_, err := tx.Exec(`
		INSERT INTO point_transactions (id, account_id, points, transaction_type, description, source_order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), accountID, points, models.TxEarnOrder,
		fmt.Sprintf("Points earned for order %s (reprocessed)", order.ID),
		order.ID, order.CompletedAt)
	if isUniqueViolation(err, "ux_point_tx_earn_order") {
		s.logger.Warn("duplicate order in history, skipping", zap.String("order_id", order.ID))
		return nil
	}
	return err
}

// recomputeBalances rewrites every cached balance from the surviving
// transaction log, restoring points_balance == sum(points) in one statement.
func (s *ReprocessService) recomputeBalances(tx *sql.Tx) (int, error) {
	result, err := tx.Exec(`
		UPDATE loyalty_accounts a
		SET points_balance = COALESCE(s.balance, 0),
		    total_points_earned = COALESCE(s.earned, 0),
		    version = a.version + 1,
		    updated_at = $1
		FROM (
			SELECT a2.id,
			       SUM(t.points) AS balance,
			       SUM(t.points) FILTER (WHERE t.points > 0) AS earned
			FROM loyalty_accounts a2
			LEFT JOIN point_transactions t ON t.account_id = a2.id
			GROUP BY a2.id
		) s
		WHERE s.id = a.id`, time.Now())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// HandleReprocess triggers a full replay of past orders
// @Summary Reprocess past orders
// @Description Destructive bulk recomputation of all earned points from order history. Admin only; one job at a time.
// @Tags reprocess
// @Produce json
// @Success 200 {object} models.ReprocessSummary
// @Failure 409 {object} ErrorResponse
// @Router /reprocess_past_orders [post]
func (s *ReprocessService) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Reprocess(r.Context())
	if err != nil {
		s.logger.Error("reprocess failed", zap.Error(err))
		SendServiceError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, summary)
}
