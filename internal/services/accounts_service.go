package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

const accountCacheVersionKey = "loyalty:accounts:ver"

// AccountCache caches rendered account details in Redis. All methods are
// no-ops when Redis is absent. Invalidation bumps a version that namespaces
// every key, so a reprocess can drop the whole cache in O(1).
type AccountCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewAccountCache creates the cache. rdb may be nil.
func NewAccountCache(rdb *redis.Client, ttl time.Duration) *AccountCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AccountCache{redis: rdb, ttl: ttl}
}

func (c *AccountCache) key(ctx context.Context, accountID string) string {
	ver, err := c.redis.Get(ctx, accountCacheVersionKey).Result()
	if err != nil {
		ver = "0"
	}
	return "loyalty:account:" + ver + ":" + accountID
}

// Get returns a cached payload, if any.
func (c *AccountCache) Get(ctx context.Context, accountID string) ([]byte, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	payload, err := c.redis.Get(ctx, c.key(ctx, accountID)).Bytes()
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Set stores a payload under the current cache version.
func (c *AccountCache) Set(ctx context.Context, accountID string, payload []byte) {
	if c == nil || c.redis == nil {
		return
	}
	c.redis.Set(ctx, c.key(ctx, accountID), payload, c.ttl)
}

// Invalidate drops one account's cached detail.
func (c *AccountCache) Invalidate(ctx context.Context, accountID string) {
	if c == nil || c.redis == nil {
		return
	}
	c.redis.Del(ctx, c.key(ctx, accountID))
}

// InvalidateAll drops every cached detail by bumping the version.
func (c *AccountCache) InvalidateAll(ctx context.Context) {
	if c == nil || c.redis == nil {
		return
	}
	c.redis.Incr(ctx, accountCacheVersionKey)
}

// CustomerSource supplies read-only customer data owned by the order service.
type CustomerSource interface {
	Customer(ctx context.Context, customerID string) (*models.Customer, error)
}

// AccountsService serves the admin console's read side: the paginated account
// list and per-account detail with balance, tier, history and coupons.
type AccountsService struct {
	db        *sql.DB
	ledger    *LedgerService
	settings  *SettingsService
	customers CustomerSource
	cache     *AccountCache
	logger    *zap.Logger
}

// NewAccountsService wires the read API.
func NewAccountsService(db *sql.DB, ledger *LedgerService, settings *SettingsService, customers CustomerSource, cache *AccountCache, logger *zap.Logger) *AccountsService {
	return &AccountsService{
		db:        db,
		ledger:    ledger,
		settings:  settings,
		customers: customers,
		cache:     cache,
		logger:    logger,
	}
}

// ListAccounts returns loyalty accounts
// @Summary List loyalty accounts
// @Tags accounts
// @Produce json
// @Param q query string false "Customer id prefix filter"
// @Param limit query int false "Page size (default 25, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} map[string]interface{}
// @Router /accounts [get]
func (s *AccountsService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := queryInt(r, "limit", 25)
	if limit < 1 || limit > 100 {
		limit = 25
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(r.Context(), `
		SELECT COUNT(*) FROM loyalty_accounts
		WHERE is_archived = FALSE AND customer_id ILIKE $1 || '%'`, q).Scan(&total); err != nil {
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, customer_id, points_balance, total_points_earned, is_archived, version, created_at, updated_at
		FROM loyalty_accounts
		WHERE is_archived = FALSE AND customer_id ILIKE $1 || '%'
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, q, limit, offset)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []models.LoyaltyAccount{}
	for rows.Next() {
		var a models.LoyaltyAccount
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.PointsBalance, &a.TotalPointsEarned,
			&a.IsArchived, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, a)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// accountDetail is the rendered per-account view.
type accountDetail struct {
	Account      *models.LoyaltyAccount    `json:"account"`
	Tier         models.Tier               `json:"tier,omitempty"`
	Customer     *models.Customer          `json:"customer,omitempty"`
	Transactions []models.PointTransaction `json:"transactions"`
	NextCursor   string                    `json:"next_cursor,omitempty"`
	Coupons      []models.Coupon           `json:"coupons"`
}

// GetAccount returns one account's detail
// @Summary Get loyalty account detail
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId} [get]
func (s *AccountsService) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	ctx := r.Context()

	if payload, ok := s.cache.Get(ctx, accountID); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
		return
	}

	account, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	detail := accountDetail{Account: account}

	// Tier derives from the customer's cumulative spend, which the order
	// service owns. A failed lookup degrades to an untiered detail.
	if customer, err := s.customers.Customer(ctx, account.CustomerID); err != nil {
		s.logger.Warn("customer lookup failed, omitting tier",
			zap.String("customer_id", account.CustomerID), zap.Error(err))
	} else if settings, err := s.settings.Get(ctx); err == nil {
		detail.Customer = customer
		detail.Tier = TierFor(customer.TotalSpent, settings.Thresholds())
	}

	detail.Transactions, detail.NextCursor, err = s.ledger.History(ctx, accountID, "", 25)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	detail.Coupons, err = s.accountCoupons(ctx, accountID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch coupons", http.StatusInternalServerError, nil)
		return
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		SendErrorResponse(w, "Failed to render account", http.StatusInternalServerError, nil)
		return
	}
	s.cache.Set(ctx, accountID, payload)

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// GetAccountTransactions pages through one account's ledger, newest first.
// @Summary Get account transaction history
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Param cursor query string false "Opaque pagination cursor"
// @Param limit query int false "Page size"
// @Success 200 {object} map[string]interface{}
// @Router /accounts/{accountId}/transactions [get]
func (s *AccountsService) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	cursor := r.URL.Query().Get("cursor")
	limit := queryInt(r, "limit", 50)

	if _, err := s.ledger.Account(r.Context(), accountID); err != nil {
		SendServiceError(w, err)
		return
	}

	entries, next, err := s.ledger.History(r.Context(), accountID, cursor, limit)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusBadRequest, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"transactions": entries,
		"next_cursor":  next,
	})
}

func (s *AccountsService) accountCoupons(ctx context.Context, accountID string) ([]models.Coupon, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, reward_rule_id, code, reward_type, discount_value, is_used, created_at, used_at
		FROM coupons
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := []models.Coupon{}
	for rows.Next() {
		var c models.Coupon
		if err := rows.Scan(&c.ID, &c.AccountID, &c.RewardRuleID, &c.Code,
			&c.RewardType, &c.DiscountValue, &c.IsUsed, &c.CreatedAt, &c.UsedAt); err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
