package services

import (
	"errors"
	"net/http"

	"github.com/lib/pq"
)

// Sentinel errors for the loyalty engine. Handlers translate these to HTTP
// statuses with SendServiceError; services return them wrapped with %w so
// callers can use errors.Is.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientPoints  = errors.New("insufficient points")
	ErrRewardInactive      = errors.New("reward rule is inactive")
	ErrUnknownReward       = errors.New("unknown reward rule")
	ErrCodeGeneration      = errors.New("coupon code generation exhausted retries")
	ErrReprocessRunning    = errors.New("a reprocess job is already running")
	ErrRuleTypeInUse       = errors.New("rule type is referenced by earning rules")
	ErrAccountBusy         = errors.New("account is busy, retry")
	ErrAccountNotFound     = errors.New("loyalty account not found")
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrCouponUsed          = errors.New("coupon already used")
	ErrNotFound            = errors.New("not found")
)

// ErrDuplicateEvaluation marks an order that already has an EARN_ORDER
// transaction. It is surfaced as a no-op success, never as a failure, so the
// earning engine stays idempotent under retries.
var ErrDuplicateEvaluation = errors.New("order already credited")

// ErrEarningPaused rejects a live credit while a reprocess holds the
// exclusive mode. Retryable: the caller should redeliver once the replay
// finishes, so it maps to 503 rather than the 409 a competing reprocess gets.
var ErrEarningPaused = errors.New("earning paused while a reprocess is running")

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqLockNotAvailable    = "55P03"
)

// isUniqueViolation reports whether err is a Postgres unique violation on the
// named constraint. An empty constraint matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// isForeignKeyViolation reports whether err is a Postgres FK violation.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}

// isLockTimeout reports whether err is a Postgres lock_timeout expiry.
func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable
}

// errorStatus maps a service error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnknownReward),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrCouponNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientPoints),
		errors.Is(err, ErrRewardInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRuleTypeInUse),
		errors.Is(err, ErrReprocessRunning),
		errors.Is(err, ErrCouponUsed):
		return http.StatusConflict
	case errors.Is(err, ErrAccountBusy),
		errors.Is(err, ErrEarningPaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SendServiceError writes err as a JSON error response using the taxonomy
// mapping. Unrecognized errors become opaque 500s.
func SendServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	SendErrorResponse(w, msg, status, nil)
}
