package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abofuchs/abofuchs/app/models"
	"github.com/abofuchs/abofuchs/internal/pkg/env"
)

const defaultPayfortAPIBaseURL = "https://gateway.payfort.io"

// Payfort result codes. The provider reports the charge outcome in the
// response body, independent of the HTTP status.
const (
	payfortResultOK       = "0000"
	payfortResultExpired  = "1001"
	payfortResultMismatch = "1002"
)

// PayfortClient talks to the Payfort-style form-encoded payment API. Every
// request carries the merchant id and an HMAC-SHA256 signature over the
// sorted form fields.
type PayfortClient struct {
	MerchantID string
	SecretKey  string
	APIBaseURL string

	HTTPClient *http.Client
}

type payfortResponse struct {
	ResultCode  string `json:"result_code"`
	Message     string `json:"message"`
	Handle      string `json:"tx_handle"`
	AmountCents int64  `json:"amount_cents"`
	AgreementID string `json:"agreement_id"`
	CardSummary string `json:"card_summary"`
}

func NewPayfortClientFromEnv() *PayfortClient {
	return &PayfortClient{
		MerchantID: strings.TrimSpace(env.GetEnv("PAYFORT_MERCHANT_ID", "")),
		SecretKey:  strings.TrimSpace(env.GetEnv("PAYFORT_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("PAYFORT_API_BASE_URL", defaultPayfortAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *PayfortClient) Provider() string {
	return models.PaymentMethodPayfort
}

func (c *PayfortClient) Ready(ctx context.Context, req ReadyRequest) (*ReadyResult, error) {
	if strings.TrimSpace(req.OrderKey) == "" || req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: order key and positive amount are required", ErrRejected)
	}

	form := url.Values{}
	form.Set("order_ref", req.OrderKey)
	form.Set("amount_cents", strconv.FormatInt(req.AmountCents, 10))
	form.Set("item_name", req.ProductName)
	form.Set("customer_ref", req.SubscriberRef)

	out, raw, err := c.postForm(ctx, "/v1/charges/ready", form)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Handle) == "" {
		return nil, fmt.Errorf("%w: ready response missing tx_handle", ErrRejected)
	}
	return &ReadyResult{ProviderHandle: out.Handle, RawResponse: raw}, nil
}

func (c *PayfortClient) Approve(ctx context.Context, providerHandle, confirmationToken string) (*ApproveResult, error) {
	handle := strings.TrimSpace(providerHandle)
	if handle == "" {
		return nil, fmt.Errorf("%w: provider handle is required", ErrRejected)
	}

	form := url.Values{}
	form.Set("tx_handle", handle)
	form.Set("confirmation_token", strings.TrimSpace(confirmationToken))

	out, raw, err := c.postForm(ctx, "/v1/charges/approve", form)
	if err != nil {
		return nil, err
	}
	if out.Handle != "" && out.Handle != handle {
		return nil, fmt.Errorf("%w: approve returned handle %s for %s", ErrApprovalMismatch, out.Handle, handle)
	}
	return &ApproveResult{
		AmountCents:    out.AmountCents,
		RecurringToken: strings.TrimSpace(out.AgreementID),
		CardSummary:    out.CardSummary,
		RawResponse:    raw,
	}, nil
}

func (c *PayfortClient) ChargeRecurring(ctx context.Context, recurringToken string, amountCents int64, orderKey string) (*ChargeResult, error) {
	token := strings.TrimSpace(recurringToken)
	if token == "" || amountCents <= 0 {
		return nil, fmt.Errorf("%w: agreement and positive amount are required", ErrRejected)
	}

	form := url.Values{}
	form.Set("agreement_id", token)
	form.Set("amount_cents", strconv.FormatInt(amountCents, 10))
	form.Set("order_ref", orderKey)

	out, raw, err := c.postForm(ctx, "/v1/charges/recurring", form)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Handle) == "" {
		return nil, fmt.Errorf("%w: recurring response missing tx_handle", ErrRejected)
	}
	return &ChargeResult{ProviderHandle: out.Handle, AmountCents: out.AmountCents, RawResponse: raw}, nil
}

// postForm sends a signed form request and maps transport, HTTP and
// result-code failures onto the gateway error kinds.
func (c *PayfortClient) postForm(ctx context.Context, path string, form url.Values) (*payfortResponse, string, error) {
	form.Set("merchant_id", c.MerchantID)
	form.Set("signature", signPayfortForm(form, c.SecretKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: status=%d body=%s", ErrRejected, resp.StatusCode, string(body))
	}

	var out payfortResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, "", fmt.Errorf("%w: malformed response: %v", ErrRejected, err)
	}
	if err := payfortResultToError(&out); err != nil {
		return nil, "", err
	}
	return &out, string(body), nil
}

func payfortResultToError(out *payfortResponse) error {
	switch out.ResultCode {
	case payfortResultOK:
		return nil
	case payfortResultExpired:
		return fmt.Errorf("%w: %s", ErrApprovalExpired, out.Message)
	case payfortResultMismatch:
		return fmt.Errorf("%w: %s", ErrApprovalMismatch, out.Message)
	default:
		if strings.HasPrefix(out.ResultCode, "5") {
			return fmt.Errorf("%w: result=%s %s", ErrUnavailable, out.ResultCode, out.Message)
		}
		return fmt.Errorf("%w: result=%s %s", ErrRejected, out.ResultCode, out.Message)
	}
}

// signPayfortForm computes the HMAC-SHA256 over the sorted key=value pairs.
func signPayfortForm(form url.Values, secret string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(form.Get(k))
		sb.WriteString("&")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.TrimSuffix(sb.String(), "&")))
	return hex.EncodeToString(mac.Sum(nil))
}
