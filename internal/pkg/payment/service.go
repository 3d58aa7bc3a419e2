package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abofuchs/abofuchs/app/models"
	"github.com/abofuchs/abofuchs/internal/pkg/entitlements"
	"github.com/abofuchs/abofuchs/internal/pkg/gateway"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	orderLockPrefix   = "order:"
	renewalLockPrefix = "renewal:user:"

	defaultGatewayCallTimeout = 20 * time.Second
)

// Service owns the payment lifecycle: order creation, callback
// reconciliation, renewal sweeps and entitlement derivation.
type Service struct {
	repo     Repository
	gateways GatewayResolver
	entitle  EntitlementApplier
	locks    Locker

	callTimeout time.Duration
}

// NewService creates a payment service from injected collaborators.
func NewService(repo Repository, gateways GatewayResolver, entitle EntitlementApplier, locks Locker) *Service {
	return &Service{
		repo:        repo,
		gateways:    gateways,
		entitle:     entitle,
		locks:       locks,
		callTimeout: defaultGatewayCallTimeout,
	}
}

// NewServiceFromDB wires the service with the GORM repository, the gateway
// registry from env and the GORM-backed entitlement updater.
func NewServiceFromDB(db *gorm.DB, locks Locker) *Service {
	return NewService(
		NewRepository(db),
		gateway.NewRegistryFromEnv(),
		entitlements.NewUpdaterFromDB(db),
		locks,
	)
}

// CreateOrder opens a new pending intent and runs the provider "ready" step.
// The returned intent carries the order key the provider callback must echo.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.PaymentIntent, error) {
	if in.UserID == 0 || in.ProductID == 0 {
		return nil, errors.New("user_id and product_id are required")
	}
	gw, err := s.gateways.Get(in.Method)
	if err != nil {
		return nil, err
	}

	product, err := s.repo.GetProduct(in.ProductID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id=%d", ErrProductNotFound, in.ProductID)
		}
		return nil, err
	}
	if !product.IsActive {
		return nil, fmt.Errorf("%w: id=%d is inactive", ErrProductNotFound, in.ProductID)
	}
	if in.AmountCents != product.PriceCents {
		return nil, fmt.Errorf("%w: order amount %d, product price %d", ErrAmountMismatch, in.AmountCents, product.PriceCents)
	}

	orderKey := strings.TrimSpace(in.OrderKey)
	if orderKey == "" {
		orderKey = uuid.New().String()
	}

	intent := &models.PaymentIntent{
		OrderKey:    orderKey,
		UserID:      in.UserID,
		ProductID:   in.ProductID,
		Method:      in.Method,
		AmountCents: in.AmountCents,
		Status:      models.PaymentStatusPending,
	}
	if err := s.repo.CreateIntent(intent); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	ready, err := gw.Ready(callCtx, gateway.ReadyRequest{
		OrderKey:      orderKey,
		AmountCents:   in.AmountCents,
		ProductName:   product.Name,
		SubscriberRef: fmt.Sprintf("user:%d", in.UserID),
	})
	if err != nil {
		// A handle-less pending intent can never be approved, so both
		// rejected and unavailable fail the intent here. The client retries
		// with a fresh order.
		if _, ferr := s.failIntent(intent.ID, time.Now(), "ready: "+err.Error(), ""); ferr != nil {
			log.Errorf("[Payment] Failed to fail intent %s after ready error: %v", orderKey, ferr)
		}
		return nil, err
	}

	if err := s.repo.SetProviderHandle(intent.ID, ready.ProviderHandle); err != nil {
		return nil, err
	}
	intent.ProviderHandle = ready.ProviderHandle
	intent.ProviderResponse = ready.RawResponse
	return intent, nil
}

// HandleCallback reconciles a provider approval callback against the ledger.
// Safe under retries and concurrent duplicate delivery: the order-key lock
// plus the conditional status update guarantee a single finalization.
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) (*models.PaymentIntent, error) {
	orderKey := strings.TrimSpace(in.OrderKey)
	if orderKey == "" {
		return nil, fmt.Errorf("%w: empty order key", ErrOrderNotFound)
	}

	ok, err := s.locks.Acquire(ctx, orderLockPrefix+orderKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderBusy, orderKey)
	}
	defer func() {
		if err := s.locks.Release(context.Background(), orderLockPrefix+orderKey); err != nil {
			log.Warnf("[Payment] Failed to release order lock %s: %v", orderKey, err)
		}
	}()

	intent, err := s.repo.GetByOrderKey(orderKey)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderKey)
		}
		return nil, err
	}

	// Idempotent short-circuit: a duplicated callback for a finalized
	// intent returns the recorded outcome without touching the gateway.
	if intent.IsTerminal() {
		return intent, nil
	}

	if failed, code := callbackDeclaredFailure(in.ResultCode); failed {
		return s.failIntent(intent.ID, time.Now(), "callback result "+code, "")
	}

	if intent.ProviderHandle == "" {
		updated, _ := s.failIntent(intent.ID, time.Now(), "missing provider handle", "")
		return updated, fmt.Errorf("%w: intent has no provider handle", gateway.ErrRejected)
	}

	gw, err := s.gateways.Get(intent.Method)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	approved, err := gw.Approve(callCtx, intent.ProviderHandle, in.ConfirmationToken)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			// Retryable: the intent stays pending so a later callback
			// delivery can still finalize it.
			return nil, err
		}
		updated, ferr := s.failIntent(intent.ID, time.Now(), "approve: "+err.Error(), "")
		if ferr != nil {
			return nil, ferr
		}
		return updated, err
	}

	if approved.AmountCents != intent.AmountCents {
		updated, ferr := s.failIntent(intent.ID, time.Now(), fmt.Sprintf("approved amount %d, expected %d", approved.AmountCents, intent.AmountCents), approved.RawResponse)
		if ferr != nil {
			return nil, ferr
		}
		return updated, fmt.Errorf("%w: approved %d, expected %d", ErrAmountMismatch, approved.AmountCents, intent.AmountCents)
	}

	return s.completeIntent(ctx, intent, time.Now(), approved.RecurringToken, approved.RawResponse)
}

// completeIntent is the shared finalization path for callbacks and renewals:
// durable completed row, then history record, then entitlement. Entitlement
// is never granted before the completed record exists.
func (s *Service) completeIntent(ctx context.Context, intent *models.PaymentIntent, completedAt time.Time, recurringToken, rawResponse string) (*models.PaymentIntent, error) {
	changed, updated, err := s.repo.MarkCompleted(intent.ID, completedAt, recurringToken, rawResponse)
	if err != nil {
		return nil, err
	}
	if !changed && updated.Status != models.PaymentStatusCompleted {
		// Lost the race against a concurrent failure transition.
		return updated, nil
	}

	if _, err := s.repo.CreateHistoryIfNotExists(historyFromIntent(updated)); err != nil {
		return updated, err
	}

	product, err := s.repo.GetProduct(updated.ProductID)
	if err != nil {
		log.Errorf("[Payment] Product %d lookup failed after completing order %s: %v", updated.ProductID, updated.OrderKey, err)
		return updated, fmt.Errorf("%w: id=%d", ErrProductNotFound, updated.ProductID)
	}
	if err := s.entitle.Apply(ctx, updated.UserID, product, *updated.CompletedAt); err != nil {
		log.Errorf("[Payment] Entitlement update failed for user %d order %s: %v", updated.UserID, updated.OrderKey, err)
		return updated, err
	}
	return updated, nil
}

// failIntent drives an intent to failed and appends the audit record. A
// no-op when the intent already reached a terminal state.
func (s *Service) failIntent(id uint, failedAt time.Time, reason, rawResponse string) (*models.PaymentIntent, error) {
	changed, updated, err := s.repo.MarkFailed(id, failedAt, reason, rawResponse)
	if err != nil {
		return nil, err
	}
	if changed || updated.IsTerminal() {
		if _, err := s.repo.CreateHistoryIfNotExists(historyFromIntent(updated)); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// GetCurrentEntitlement derives the subscriber's entitlement from the most
// recent completed subscription intent. One-time purchases don't carry a
// plan, so they never factor in. Returns (nil, nil) when the subscriber
// has none.
func (s *Service) GetCurrentEntitlement(ctx context.Context, userID uint) (*entitlements.Entitlement, error) {
	intent, err := s.repo.LatestCompletedSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	product, err := s.repo.GetProduct(intent.ProductID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !product.IsRecurring() || intent.CompletedAt == nil {
		return nil, nil
	}

	activeUntil := intent.CompletedAt.AddDate(0, 0, *product.RecurrenceDays)
	return &entitlements.Entitlement{
		Tier:        entitlements.NormalizeTier(product.Tier),
		ActiveUntil: &activeUntil,
	}, nil
}

// ListPayments returns the subscriber's payment history, newest first.
func (s *Service) ListPayments(ctx context.Context, userID uint, limit int) ([]models.PaymentHistory, error) {
	return s.repo.ListHistoryByUser(userID, limit)
}

func historyFromIntent(intent *models.PaymentIntent) *models.PaymentHistory {
	return &models.PaymentHistory{
		PaymentIntentID:  intent.ID,
		UserID:           intent.UserID,
		ProductID:        intent.ProductID,
		OrderKey:         intent.OrderKey,
		Method:           intent.Method,
		AmountCents:      intent.AmountCents,
		FinalStatus:      intent.Status,
		ProviderHandle:   intent.ProviderHandle,
		RecurringToken:   intent.RecurringToken,
		FailureReason:    intent.FailureReason,
		ProviderResponse: intent.ProviderResponse,
	}
}

func callbackDeclaredFailure(resultCode string) (bool, string) {
	code := strings.ToLower(strings.TrimSpace(resultCode))
	switch code {
	case "", "success", "ok", "0000":
		return false, code
	default:
		return true, code
	}
}
