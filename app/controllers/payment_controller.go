package controllers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/abofuchs/abofuchs/app/models"
	"github.com/abofuchs/abofuchs/internal/pkg/cache"
	"github.com/abofuchs/abofuchs/internal/pkg/database"
	"github.com/abofuchs/abofuchs/internal/pkg/gateway"
	metrics "github.com/abofuchs/abofuchs/internal/pkg/metrics/counter"
	"github.com/abofuchs/abofuchs/internal/pkg/payment"
	"github.com/abofuchs/abofuchs/internal/pkg/usercontext"
)

// PaymentController exposes the payment API: order creation, the provider
// callback, entitlement lookup and payment history.
type PaymentController struct {
	payments *payment.Service
}

var paymentController *PaymentController

// NewPaymentController creates a controller around the payment service.
func NewPaymentController(payments *payment.Service) *PaymentController {
	return &PaymentController{payments: payments}
}

// InitializePaymentController wires the global payment controller.
func InitializePaymentController() {
	locks := cache.NewLocker("lock:payment:", 30*time.Second)
	paymentController = NewPaymentController(payment.NewServiceFromDB(database.GetDB(), locks))
}

// GetPaymentController returns the global payment controller instance
func GetPaymentController() *PaymentController {
	if paymentController == nil {
		InitializePaymentController()
	}
	return paymentController
}

// Payments exposes the underlying service for the background scheduler.
func (pc *PaymentController) Payments() *payment.Service {
	return pc.payments
}

type createOrderRequest struct {
	ProductID   uint   `json:"product_id"`
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	OrderKey    string `json:"order_key"`
}

type callbackRequest struct {
	OrderKey          string `json:"order_key"`
	ConfirmationToken string `json:"confirmation_token"`
	ResultCode        string `json:"result_code"`
}

// HandleCreateOrder opens a payment order for the authenticated subscriber.
func (pc *PaymentController) HandleCreateOrder(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}

	intent, err := pc.payments.CreateOrder(c.UserContext(), payment.CreateOrderInput{
		UserID:      userCtx.UserID,
		ProductID:   req.ProductID,
		Method:      req.Method,
		AmountCents: req.AmountCents,
		OrderKey:    req.OrderKey,
	})
	if err != nil {
		return paymentErrorResponse(c, err)
	}

	if err := metrics.Add(metrics.MetricOrdersCreated); err != nil {
		log.Warnf("[Payment] Failed to count order creation: %v", err)
	}

	return c.Status(fiber.StatusCreated).JSON(intentResponse(intent))
}

// HandlePaymentCallback receives the provider's approval callback. The
// endpoint is unauthenticated; the order key and confirmation token are the
// credentials, and a replayed callback gets the recorded outcome.
func (pc *PaymentController) HandlePaymentCallback(c *fiber.Ctx) error {
	var req callbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}

	intent, err := pc.payments.HandleCallback(c.UserContext(), payment.CallbackInput{
		OrderKey:          req.OrderKey,
		ConfirmationToken: req.ConfirmationToken,
		ResultCode:        req.ResultCode,
	})
	if intent != nil {
		switch intent.Status {
		case models.PaymentStatusCompleted:
			if merr := metrics.Add(metrics.MetricCallbacksOK); merr != nil {
				log.Warnf("[Payment] Failed to count completed callback: %v", merr)
			}
		case models.PaymentStatusFailed:
			if merr := metrics.Add(metrics.MetricCallbacksFailed); merr != nil {
				log.Warnf("[Payment] Failed to count failed callback: %v", merr)
			}
		}
	}
	if err != nil {
		return paymentErrorResponse(c, err)
	}

	return c.JSON(intentResponse(intent))
}

// HandleGetEntitlement returns the subscriber's current tier and expiry.
func (pc *PaymentController) HandleGetEntitlement(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	ent, err := pc.payments.GetCurrentEntitlement(c.UserContext(), userCtx.UserID)
	if err != nil {
		log.Errorf("[Payment] Entitlement lookup failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load entitlement"})
	}

	now := time.Now()
	if ent == nil || !ent.ActiveAt(now) {
		return c.JSON(fiber.Map{"tier": "free", "active": false})
	}
	return c.JSON(fiber.Map{
		"tier":         ent.Tier,
		"active":       true,
		"active_until": ent.ActiveUntil.UTC().Format(time.RFC3339),
	})
}

// HandleListPaymentHistory returns the subscriber's payment history, newest first.
func (pc *PaymentController) HandleListPaymentHistory(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	records, err := pc.payments.ListPayments(c.UserContext(), userCtx.UserID, limit)
	if err != nil {
		log.Errorf("[Payment] History lookup failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load payment history"})
	}

	return c.JSON(fiber.Map{"payments": records, "count": len(records)})
}

func intentResponse(intent *models.PaymentIntent) fiber.Map {
	resp := fiber.Map{
		"order_key":    intent.OrderKey,
		"product_id":   intent.ProductID,
		"method":       intent.Method,
		"amount_cents": intent.AmountCents,
		"status":       intent.Status,
	}
	if intent.CompletedAt != nil {
		resp["completed_at"] = intent.CompletedAt.UTC().Format(time.RFC3339)
	}
	if intent.FailureReason != "" {
		resp["failure_reason"] = intent.FailureReason
	}
	return resp
}

// paymentErrorResponse maps the payment and gateway error taxonomy onto
// HTTP statuses.
func paymentErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, payment.ErrDuplicateOrder):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "duplicate_order", "message": "An order with this key already exists"})
	case errors.Is(err, payment.ErrOrderNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order_not_found", "message": "No order exists for this key"})
	case errors.Is(err, payment.ErrProductNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "product_not_found", "message": "Unknown or inactive product"})
	case errors.Is(err, payment.ErrAmountMismatch):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "amount_mismatch", "message": "Order amount does not match"})
	case errors.Is(err, payment.ErrOrderBusy):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "order_busy", "message": "Order is being processed, retry shortly"})
	case errors.Is(err, gateway.ErrUnknownProvider):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_method", "message": "Unsupported payment method"})
	case errors.Is(err, gateway.ErrUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "gateway_unavailable", "message": "Payment provider unavailable, retry later"})
	case errors.Is(err, gateway.ErrApprovalExpired), errors.Is(err, gateway.ErrApprovalMismatch), errors.Is(err, gateway.ErrRejected):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "payment_rejected", "message": "Payment was rejected by the provider"})
	default:
		log.Errorf("[Payment] Unexpected error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Payment processing failed"})
	}
}
