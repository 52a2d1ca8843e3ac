// Package orders is the read-only client for the external order/customer
// service. The loyalty engine only consumes finalized orders and customer
// summaries from it; nothing here mutates remote state.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/internal/config"
	"github.com/Cristianv222/luxe-loyalty/internal/models"
)

// ErrNotFound is returned when the remote service has no such resource.
var ErrNotFound = errors.New("resource not found in order service")

const completedOrdersPageSize = 200

// Client talks to the order service. Every request has a bounded timeout and
// transient failures retry with exponential backoff, so callers never block
// indefinitely on the remote side.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewClient builds the client from config.
func NewClient(cfg config.OrdersConfig, logger *zap.Logger) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}
}

// Order fetches one order by id.
func (c *Client) Order(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	if err := c.get(ctx, "/orders/"+url.PathEscape(orderID), &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// Customer fetches the read-only customer summary (cumulative spend, order
// count) used for tier calculation.
func (c *Client) Customer(ctx context.Context, customerID string) (*models.Customer, error) {
	var customer models.Customer
	if err := c.get(ctx, "/customers/"+url.PathEscape(customerID), &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

type ordersPage struct {
	Orders  []models.Order `json:"orders"`
	HasMore bool           `json:"has_more"`
}

// CompletedOrders pages through the full completed-order history in
// chronological order, for the reprocessing job.
func (c *Client) CompletedOrders(ctx context.Context) ([]models.Order, error) {
	var all []models.Order
	for page := 1; ; page++ {
		path := fmt.Sprintf("/orders?status=COMPLETED&sort=completed_at&page=%d&page_size=%d",
			page, completedOrdersPageSize)

		var body ordersPage
		if err := c.get(ctx, path, &body); err != nil {
			return nil, fmt.Errorf("fetch completed orders page %d: %w", page, err)
		}
		all = append(all, body.Orders...)
		if !body.HasMore {
			return all, nil
		}
	}
}

// get performs one GET with retries. 4xx responses never retry; network
// errors and 5xx responses back off exponentially up to maxRetries attempts.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<(attempt-1))
			c.logger.Warn("order service request failed, retrying",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode order service response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("order service returned %d", resp.StatusCode)
		default:
			resp.Body.Close()
			return fmt.Errorf("order service returned %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("order service unavailable after %d attempts: %w", c.maxRetries, lastErr)
}
