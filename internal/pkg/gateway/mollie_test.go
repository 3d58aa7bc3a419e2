package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMollieTestClient(handler http.HandlerFunc) (*MollieClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := &MollieClient{
		APIKey:     "test_key",
		APIBaseURL: srv.URL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
	return client, srv
}

func TestMollieReady(t *testing.T) {
	client, srv := newMollieTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/payments", r.URL.Path)
		assert.Equal(t, "Bearer test_key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		amount := payload["amount"].(map[string]any)
		assert.Equal(t, "9.99", amount["value"])
		assert.Equal(t, "EUR", amount["currency"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"tr_abc123","status":"open","amount":{"currency":"EUR","value":"9.99"}}`)
	})
	defer srv.Close()

	result, err := client.Ready(context.Background(), ReadyRequest{
		OrderKey:    "order-1",
		AmountCents: 999,
		ProductName: "Premium Monthly",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_abc123", result.ProviderHandle)
	assert.NotEmpty(t, result.RawResponse)
}

func TestMollieApprove_Paid(t *testing.T) {
	client, srv := newMollieTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/payments/tr_abc123/approve", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"tr_abc123","status":"paid","amount":{"currency":"EUR","value":"9.99"},"mandateId":"mdt_55","details":{"cardLabel":"Visa","cardNumber":"1234"}}`)
	})
	defer srv.Close()

	result, err := client.Approve(context.Background(), "tr_abc123", "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(999), result.AmountCents)
	assert.Equal(t, "mdt_55", result.RecurringToken)
	assert.Equal(t, "Visa 1234", result.CardSummary)
}

func TestMollieApprove_Expired(t *testing.T) {
	client, srv := newMollieTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"tr_abc123","status":"expired"}`)
	})
	defer srv.Close()

	_, err := client.Approve(context.Background(), "tr_abc123", "tok")
	assert.ErrorIs(t, err, ErrApprovalExpired)
}

func TestMollieApprove_HandleMismatch(t *testing.T) {
	client, srv := newMollieTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"tr_other","status":"paid","amount":{"currency":"EUR","value":"9.99"}}`)
	})
	defer srv.Close()

	_, err := client.Approve(context.Background(), "tr_abc123", "tok")
	assert.ErrorIs(t, err, ErrApprovalMismatch)
}

func TestMollieChargeRecurring(t *testing.T) {
	client, srv := newMollieTestClient(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "recurring", payload["sequenceType"])
		assert.Equal(t, "mdt_55", payload["mandateId"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"tr_renewal","status":"paid","amount":{"currency":"EUR","value":"9.99"}}`)
	})
	defer srv.Close()

	result, err := client.ChargeRecurring(context.Background(), "mdt_55", 999, "order-2")
	require.NoError(t, err)
	assert.Equal(t, "tr_renewal", result.ProviderHandle)
	assert.Equal(t, int64(999), result.AmountCents)
}

func TestMollieStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"timeout", http.StatusRequestTimeout, ErrUnavailable},
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable},
		{"gone", http.StatusGone, ErrApprovalExpired},
		{"conflict", http.StatusConflict, ErrApprovalMismatch},
		{"unauthorized", http.StatusUnauthorized, ErrRejected},
		{"unprocessable", http.StatusUnprocessableEntity, ErrRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, srv := newMollieTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"status":0,"title":"boom","detail":"boom"}`)
			})
			defer srv.Close()

			_, err := client.Ready(context.Background(), ReadyRequest{OrderKey: "o", AmountCents: 100})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMollieUnreachableIsUnavailable(t *testing.T) {
	client := &MollieClient{
		APIKey:     "test_key",
		APIBaseURL: "http://127.0.0.1:1",
		HTTPClient: &http.Client{Timeout: 500 * time.Millisecond},
	}
	_, err := client.Ready(context.Background(), ReadyRequest{OrderKey: "o", AmountCents: 100})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMollieAmountConversion(t *testing.T) {
	assert.Equal(t, mollieAmount{Currency: "EUR", Value: "9.99"}, centsToMollieAmount(999))
	assert.Equal(t, mollieAmount{Currency: "EUR", Value: "10.00"}, centsToMollieAmount(1000))
	assert.Equal(t, mollieAmount{Currency: "EUR", Value: "0.05"}, centsToMollieAmount(5))

	cents, err := mollieAmountToCents(mollieAmount{Currency: "EUR", Value: "9.99"})
	require.NoError(t, err)
	assert.Equal(t, int64(999), cents)

	_, err = mollieAmountToCents(mollieAmount{Currency: "EUR", Value: "9.9"})
	assert.Error(t, err)

	_, err = mollieAmountToCents(mollieAmount{})
	assert.Error(t, err)
}
