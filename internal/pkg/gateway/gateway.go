package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/abofuchs/abofuchs/app/models"
)

// Normalized gateway errors. Provider clients translate their wire-level
// failures into exactly these kinds; the ledger and reconciler never see
// provider-specific error shapes.
var (
	// ErrUnavailable covers network failures, timeouts and provider 5xx
	// responses. Retryable: the intent stays pending.
	ErrUnavailable = errors.New("gateway unavailable")

	// ErrRejected covers terminal provider declines (malformed request,
	// declined card, unknown credentials).
	ErrRejected = errors.New("gateway rejected request")

	// ErrApprovalExpired means the user-approved charge window has passed.
	ErrApprovalExpired = errors.New("gateway approval expired")

	// ErrApprovalMismatch means the provider reported an amount or handle
	// inconsistent with the approval. Must abort, never silently accept.
	ErrApprovalMismatch = errors.New("gateway approval mismatch")

	ErrUnknownProvider = errors.New("unknown payment provider")
)

// ReadyRequest initiates a payable order at the provider.
type ReadyRequest struct {
	OrderKey      string
	AmountCents   int64
	ProductName   string
	SubscriberRef string
}

// ReadyResult carries the provider transaction handle for a prepared order.
type ReadyResult struct {
	ProviderHandle string
	RawResponse    string
}

// ApproveResult is the provider's confirmation of a user-approved charge.
type ApproveResult struct {
	AmountCents    int64
	RecurringToken string
	CardSummary    string
	RawResponse    string
}

// ChargeResult is the outcome of a synchronous recurring charge.
type ChargeResult struct {
	ProviderHandle string
	AmountCents    int64
	RawResponse    string
}

// Gateway is the provider-neutral payment gateway contract. Idempotency is
// NOT guaranteed at this layer; the payment ledger enforces it.
type Gateway interface {
	// Provider returns the method tag this gateway serves.
	Provider() string

	// Ready initiates a payable order and returns the provider handle.
	Ready(ctx context.Context, req ReadyRequest) (*ReadyResult, error)

	// Approve confirms a user-approved charge identified by the provider
	// handle and the confirmation token delivered via callback.
	Approve(ctx context.Context, providerHandle, confirmationToken string) (*ApproveResult, error)

	// ChargeRecurring charges a previously authorized subscriber without
	// new user interaction.
	ChargeRecurring(ctx context.Context, recurringToken string, amountCents int64, orderKey string) (*ChargeResult, error)
}

// Registry resolves a Gateway by the PaymentIntent method tag. Provider
// selection happens here and only here.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds a registry from the given gateways.
func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, gw := range gws {
		r.gateways[gw.Provider()] = gw
	}
	return r
}

// NewRegistryFromEnv creates the registry with all configured providers.
func NewRegistryFromEnv() *Registry {
	return NewRegistry(
		NewMollieClientFromEnv(),
		NewPayfortClientFromEnv(),
	)
}

// Get returns the gateway for a method tag.
func (r *Registry) Get(method string) (Gateway, error) {
	if !models.KnownPaymentMethod(method) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, method)
	}
	gw, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s not registered", ErrUnknownProvider, method)
	}
	return gw, nil
}
