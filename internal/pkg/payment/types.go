package payment

import (
	"context"
	"errors"
	"time"

	"github.com/abofuchs/abofuchs/app/models"
	"github.com/abofuchs/abofuchs/internal/pkg/gateway"
)

// Ledger-level error taxonomy. Gateway-level kinds (unavailable, rejected,
// expired, mismatch) live in the gateway package and pass through unchanged.
var (
	// ErrDuplicateOrder means an intent already exists for the order key.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrOrderNotFound means no intent exists for the order key. Callbacks
	// never create intents implicitly.
	ErrOrderNotFound = errors.New("order not found")

	// ErrAmountMismatch is the data-integrity guard: the approved amount
	// differs from the recorded amount. Terminal; never grants entitlement.
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrProductNotFound means the referenced catalog entry is unknown or inactive.
	ErrProductNotFound = errors.New("product not found")

	// ErrOrderBusy means another worker holds the order lock. Retryable.
	ErrOrderBusy = errors.New("order is currently being processed")
)

// CreateOrderInput is the normalized order-creation request.
type CreateOrderInput struct {
	UserID      uint
	ProductID   uint
	Method      string
	AmountCents int64
	// OrderKey is optional; a uuid is generated when the caller doesn't
	// bring its own idempotency key.
	OrderKey string
}

// CallbackInput is the normalized provider callback payload.
type CallbackInput struct {
	OrderKey          string
	ConfirmationToken string
	// ResultCode is the provider's declared outcome. Empty or "success"
	// means approved; anything else fails the intent without an approve call.
	ResultCode string
}

// SweepResult summarizes one renewal sweep.
type SweepResult struct {
	Scanned   int
	Renewed   int
	Failed    int
	Skipped   int
	StartedAt time.Time
	Duration  time.Duration
}

// Locker serializes work on a string key across workers and processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// EntitlementApplier applies the business effect of a completed payment.
type EntitlementApplier interface {
	Apply(ctx context.Context, userID uint, product *models.Product, completedAt time.Time) error
}

// GatewayResolver selects the gateway for a payment method tag.
type GatewayResolver interface {
	Get(method string) (gateway.Gateway, error)
}
