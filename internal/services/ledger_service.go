package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/config"
	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

// LedgerService owns the append-only point transaction log. Every balance
// change goes through Credit/Debit; the cached columns on loyalty_accounts are
// written in the same SQL transaction as the ledger row, so
// points_balance == sum(points) holds after every commit.
//
// Per-account serialization comes from the FOR UPDATE row lock on the account.
// Lock waits are bounded by lock_timeout; an expired wait surfaces as
// ErrAccountBusy, which callers treat as retryable.
type LedgerService struct {
	db          *sql.DB
	logger      *zap.Logger
	lockTimeout time.Duration
}

// NewLedgerService creates the ledger over db.
func NewLedgerService(db *sql.DB, cfg config.LedgerConfig, logger *zap.Logger) *LedgerService {
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &LedgerService{
		db:          db,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// EnsureAccount returns the loyalty account for customerID, creating it if it
// does not exist yet. The insert is idempotent (ON CONFLICT DO NOTHING), so
// concurrent first orders for the same customer both end up with the one
// account.
func (s *LedgerService) EnsureAccount(ctx context.Context, customerID string) (*models.LoyaltyAccount, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_accounts (id, customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (customer_id) DO NOTHING`,
		uuid.New().String(), customerID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.AccountByCustomer(ctx, customerID)
}

// AccountByCustomer fetches the account owned by customerID.
func (s *LedgerService) AccountByCustomer(ctx context.Context, customerID string) (*models.LoyaltyAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, points_balance, total_points_earned, is_archived, version, created_at, updated_at
		FROM loyalty_accounts
		WHERE customer_id = $1`, customerID))
}

// Account fetches one account by id.
func (s *LedgerService) Account(ctx context.Context, accountID string) (*models.LoyaltyAccount, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, points_balance, total_points_earned, is_archived, version, created_at, updated_at
		FROM loyalty_accounts
		WHERE id = $1`, accountID))
}

func (s *LedgerService) scanAccount(row *sql.Row) (*models.LoyaltyAccount, error) {
	var a models.LoyaltyAccount
	err := row.Scan(&a.ID, &a.CustomerID, &a.PointsBalance, &a.TotalPointsEarned,
		&a.IsArchived, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Credit appends a positive transaction in its own SQL transaction.
func (s *LedgerService) Credit(ctx context.Context, accountID string, points int64, txType, description string, sourceOrderID *string) (*models.PointTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.CreditTx(tx, accountID, points, txType, description, sourceOrderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditTx appends a credit inside an existing SQL transaction. Zero-point
// credits are still logged so the history stays auditable. A duplicate
// EARN_ORDER insert for the same (account, order) pair returns
// ErrDuplicateEvaluation via the partial unique index.
func (s *LedgerService) CreditTx(tx *sql.Tx, accountID string, points int64, txType, description string, sourceOrderID *string) (*models.PointTransaction, error) {
	if points < 0 {
		return nil, fmt.Errorf("credit points must be >= 0, got %d", points)
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return nil, err
	}

	entry, err := s.appendTransaction(tx, accountID, points, txType, description, sourceOrderID)
	if err != nil {
		return nil, err
	}

	newBalance := account.PointsBalance + points
	newEarned := account.TotalPointsEarned + points
	if err := s.updateAccountBalance(tx, account, newBalance, newEarned); err != nil {
		return nil, err
	}

	s.logger.Info("points credited",
		zap.String("account_id", accountID),
		zap.Int64("points", points),
		zap.String("type", txType),
		zap.Int64("balance", newBalance))
	return entry, nil
}

// DebitTx appends a debit inside an existing SQL transaction. The resulting
// balance may never go below zero.
func (s *LedgerService) DebitTx(tx *sql.Tx, accountID string, points int64, txType, description string) (*models.PointTransaction, error) {
	if points < 0 {
		return nil, fmt.Errorf("debit points must be >= 0, got %d", points)
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		return nil, err
	}

	if account.PointsBalance < points {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrInsufficientBalance)
	}

	entry, err := s.appendTransaction(tx, accountID, -points, txType, description, nil)
	if err != nil {
		return nil, err
	}

	newBalance := account.PointsBalance - points
	if err := s.updateAccountBalance(tx, account, newBalance, account.TotalPointsEarned); err != nil {
		return nil, err
	}

	s.logger.Info("points debited",
		zap.String("account_id", accountID),
		zap.Int64("points", points),
		zap.String("type", txType),
		zap.Int64("balance", newBalance))
	return entry, nil
}

// Balance returns the cached balance for the account.
func (s *LedgerService) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT points_balance FROM loyalty_accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// HasEarnTransaction reports whether the account already has an EARN_ORDER
// transaction for the given order.
func (s *LedgerService) HasEarnTransaction(tx *sql.Tx, accountID, orderID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM point_transactions
			WHERE account_id = $1 AND source_order_id = $2 AND transaction_type = $3
		)`, accountID, orderID, models.TxEarnOrder).Scan(&exists)
	return exists, err
}

// History returns one page of the account's transactions, newest first.
// cursor is the opaque value returned by a previous call; empty starts at the
// top. The second return value is the next cursor, empty when exhausted.
func (s *LedgerService) History(ctx context.Context, accountID, cursor string, limit int) ([]models.PointTransaction, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT id, account_id, points, transaction_type, description, source_order_id, created_at
		FROM point_transactions
		WHERE account_id = $1`
	args := []any{accountID}

	if cursor != "" {
		createdAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, createdAt, id)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var entries []models.PointTransaction
	for rows.Next() {
		var t models.PointTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Points, &t.TransactionType,
			&t.Description, &t.SourceOrderID, &t.CreatedAt); err != nil {
			return nil, "", err
		}
		entries = append(entries, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(entries) == limit {
		last := entries[len(entries)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return entries, next, nil
}

// lockAccount takes the account row lock that serializes all mutations for
// one account. The wait is bounded; an expired lock_timeout becomes
// ErrAccountBusy.
func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.LoyaltyAccount, error) {
	if _, err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return nil, err
	}

	var a models.LoyaltyAccount
	err := tx.QueryRow(`
		SELECT id, customer_id, points_balance, total_points_earned, is_archived, version, created_at, updated_at
		FROM loyalty_accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&a.ID, &a.CustomerID, &a.PointsBalance,
		&a.TotalPointsEarned, &a.IsArchived, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if isLockTimeout(err) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountBusy)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *LedgerService) appendTransaction(tx *sql.Tx, accountID string, points int64, txType, description string, sourceOrderID *string) (*models.PointTransaction, error) {
	entry := &models.PointTransaction{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		Points:          points,
		TransactionType: txType,
		Description:     description,
		SourceOrderID:   sourceOrderID,
		CreatedAt:       time.Now(),
	}

	_, err := tx.Exec(`
		INSERT INTO point_transactions (id, account_id, points, transaction_type, description, source_order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.AccountID, entry.Points, entry.TransactionType,
		entry.Description, entry.SourceOrderID, entry.CreatedAt)
	if isUniqueViolation(err, "ux_point_tx_earn_order") {
		return nil, ErrDuplicateEvaluation
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, account *models.LoyaltyAccount, newBalance, newEarned int64) error {
	result, err := tx.Exec(`
		UPDATE loyalty_accounts
		SET points_balance = $1, total_points_earned = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		newBalance, newEarned, time.Now(), account.ID, account.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", account.ID)
	}
	return nil
}

func encodeCursor(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), parts[1], nil
}
