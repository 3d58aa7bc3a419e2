package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abofuchs/abofuchs/app/models"
	"github.com/abofuchs/abofuchs/internal/pkg/env"
)

const defaultMollieAPIBaseURL = "https://api.mollie.com"

// MollieClient talks to the Mollie-style JSON payment API: create a payment,
// approve it after the user returned from the hosted checkout, and charge
// mandates for renewals.
type MollieClient struct {
	APIKey     string
	APIBaseURL string

	HTTPClient *http.Client
}

type mollieAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type mollieErrorResponse struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func NewMollieClientFromEnv() *MollieClient {
	return &MollieClient{
		APIKey:     strings.TrimSpace(env.GetEnv("MOLLIE_API_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("MOLLIE_API_BASE_URL", defaultMollieAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *MollieClient) Provider() string {
	return models.PaymentMethodMollie
}

func (c *MollieClient) Ready(ctx context.Context, req ReadyRequest) (*ReadyResult, error) {
	if strings.TrimSpace(req.OrderKey) == "" || req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: order key and positive amount are required", ErrRejected)
	}

	payload := map[string]any{
		"amount":      centsToMollieAmount(req.AmountCents),
		"description": req.ProductName,
		"metadata": map[string]string{
			"order_key":  req.OrderKey,
			"subscriber": req.SubscriberRef,
		},
	}

	body, err := c.postJSON(ctx, "/v2/payments", payload)
	if err != nil {
		return nil, err
	}

	var out struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Amount mollieAmount `json:"amount"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed payment response: %v", ErrRejected, err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("%w: payment response missing id", ErrRejected)
	}
	return &ReadyResult{ProviderHandle: out.ID, RawResponse: string(body)}, nil
}

func (c *MollieClient) Approve(ctx context.Context, providerHandle, confirmationToken string) (*ApproveResult, error) {
	handle := strings.TrimSpace(providerHandle)
	if handle == "" {
		return nil, fmt.Errorf("%w: provider handle is required", ErrRejected)
	}

	payload := map[string]any{
		"confirmation_token": strings.TrimSpace(confirmationToken),
	}
	body, err := c.postJSON(ctx, "/v2/payments/"+handle+"/approve", payload)
	if err != nil {
		return nil, err
	}

	var out struct {
		ID        string       `json:"id"`
		Status    string       `json:"status"`
		Amount    mollieAmount `json:"amount"`
		MandateID string       `json:"mandateId"`
		Details   struct {
			CardLabel  string `json:"cardLabel"`
			CardNumber string `json:"cardNumber"`
		} `json:"details"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed approve response: %v", ErrRejected, err)
	}

	switch strings.ToLower(out.Status) {
	case "paid":
		// fall through to amount parsing
	case "expired":
		return nil, fmt.Errorf("%w: payment %s", ErrApprovalExpired, handle)
	default:
		return nil, fmt.Errorf("%w: payment %s status %q", ErrRejected, handle, out.Status)
	}
	if out.ID != "" && out.ID != handle {
		return nil, fmt.Errorf("%w: approve returned handle %s for %s", ErrApprovalMismatch, out.ID, handle)
	}

	cents, err := mollieAmountToCents(out.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApprovalMismatch, err)
	}

	card := out.Details.CardLabel
	if out.Details.CardNumber != "" {
		card = strings.TrimSpace(card + " " + out.Details.CardNumber)
	}
	return &ApproveResult{
		AmountCents:    cents,
		RecurringToken: strings.TrimSpace(out.MandateID),
		CardSummary:    card,
		RawResponse:    string(body),
	}, nil
}

func (c *MollieClient) ChargeRecurring(ctx context.Context, recurringToken string, amountCents int64, orderKey string) (*ChargeResult, error) {
	token := strings.TrimSpace(recurringToken)
	if token == "" || amountCents <= 0 {
		return nil, fmt.Errorf("%w: mandate and positive amount are required", ErrRejected)
	}

	payload := map[string]any{
		"amount":       centsToMollieAmount(amountCents),
		"sequenceType": "recurring",
		"mandateId":    token,
		"metadata": map[string]string{
			"order_key": orderKey,
		},
	}
	body, err := c.postJSON(ctx, "/v2/payments", payload)
	if err != nil {
		return nil, err
	}

	var out struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Amount mollieAmount `json:"amount"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed recurring response: %v", ErrRejected, err)
	}
	if strings.ToLower(out.Status) != "paid" {
		return nil, fmt.Errorf("%w: recurring charge status %q", ErrRejected, out.Status)
	}
	cents, err := mollieAmountToCents(out.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApprovalMismatch, err)
	}
	return &ChargeResult{ProviderHandle: out.ID, AmountCents: cents, RawResponse: string(body)}, nil
}

// postJSON posts a JSON payload and normalizes transport and HTTP errors
// into the gateway error kinds.
func (c *MollieClient) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := mollieStatusToError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func mollieStatusToError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var detail mollieErrorResponse
	_ = json.Unmarshal(body, &detail)
	msg := detail.Detail
	if msg == "" {
		msg = detail.Title
	}

	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status=%d %s", ErrUnavailable, status, msg)
	case status == http.StatusGone:
		return fmt.Errorf("%w: status=%d %s", ErrApprovalExpired, status, msg)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: status=%d %s", ErrApprovalMismatch, status, msg)
	default:
		return fmt.Errorf("%w: status=%d %s", ErrRejected, status, msg)
	}
}

func centsToMollieAmount(cents int64) mollieAmount {
	return mollieAmount{
		Currency: "EUR",
		Value:    fmt.Sprintf("%d.%02d", cents/100, cents%100),
	}
}

func mollieAmountToCents(a mollieAmount) (int64, error) {
	v := strings.TrimSpace(a.Value)
	if v == "" {
		return 0, errors.New("amount value missing")
	}
	whole, frac, ok := strings.Cut(v, ".")
	if !ok {
		frac = "00"
	}
	if len(frac) != 2 {
		return 0, fmt.Errorf("unexpected amount format %q", v)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected amount format %q", v)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected amount format %q", v)
	}
	return w*100 + f, nil
}
