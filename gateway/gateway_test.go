package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// HTTP PROCESSOR
// =============================================================================

func TestHTTPProcessor_Charge_SendsIdempotencyKey(t *testing.T) {
	// GIVEN: A processor that records requests
	// WHEN: Charging 100 with key sub-1-2024-01-15
	// THEN: The key and bearer token are sent, the charge is decoded

	var (
		gotKey  string
		gotAuth string
		gotBody chargeRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/charges", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(chargeResponse{ID: "ch_1", Status: "succeeded", Amount: "100.00"})
	}))
	defer srv.Close()

	p, err := NewHTTPProcessor(ProcessorConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk_test"})
	require.NoError(t, err)

	charge, err := p.Charge(context.Background(), "pm_visa", decimal.NewFromInt(100), "sub-1-2024-01-15")
	require.NoError(t, err)

	assert.Equal(t, "sub-1-2024-01-15", gotKey)
	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, chargeRequest{InstrumentRef: "pm_visa", Amount: "100.00", Currency: "USD"}, gotBody)
	assert.Equal(t, "ch_1", charge.TransactionID)
	assert.Equal(t, billing.ChargeSucceeded, charge.Status)
	assert.True(t, charge.Amount.Equal(decimal.NewFromInt(100)))
}

func TestHTTPProcessor_Decline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(chargeResponse{ID: "ch_2", Status: "failed", FailureReason: "insufficient_funds"})
	}))
	defer srv.Close()

	p, err := NewHTTPProcessor(ProcessorConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	charge, err := p.Charge(context.Background(), "pm_visa", decimal.NewFromInt(100), "k")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeFailed, charge.Status)
	assert.Equal(t, "insufficient_funds", charge.FailureReason)
}

func TestHTTPProcessor_ServerError_IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewHTTPProcessor(ProcessorConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Charge(context.Background(), "pm_visa", decimal.NewFromInt(100), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPProcessor_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p, err := NewHTTPProcessor(ProcessorConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Charge(ctx, "pm_visa", decimal.NewFromInt(100), "k")
	assert.Error(t, err)
}

func TestHTTPProcessor_RetrieveTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/charges/ch_3", r.URL.Path)
		json.NewEncoder(w).Encode(chargeResponse{ID: "ch_3", Status: "pending"})
	}))
	defer srv.Close()

	p, err := NewHTTPProcessor(ProcessorConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	charge, err := p.RetrieveTransaction(context.Background(), "ch_3")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePending, charge.Status)
}

func TestHTTPProcessor_UnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chargeResponse{ID: "ch_4", Status: "exploded"})
	}))
	defer srv.Close()

	p, err := NewHTTPProcessor(ProcessorConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.RetrieveTransaction(context.Background(), "ch_4")
	assert.ErrorContains(t, err, "unknown charge status")
}

func TestNewHTTPProcessor_RequiresURL(t *testing.T) {
	_, err := NewHTTPProcessor(ProcessorConfig{})
	assert.Error(t, err)
}

// =============================================================================
// SANDBOX
// =============================================================================

func TestSandbox_Idempotent(t *testing.T) {
	s, err := NewSandbox(0)
	require.NoError(t, err)

	a, err := s.Charge(context.Background(), "pm_visa", decimal.NewFromInt(10), "k-1")
	require.NoError(t, err)
	b, err := s.Charge(context.Background(), "pm_visa", decimal.NewFromInt(10), "k-1")
	require.NoError(t, err)
	c, err := s.Charge(context.Background(), "pm_visa", decimal.NewFromInt(10), "k-2")
	require.NoError(t, err)

	assert.Equal(t, a.TransactionID, b.TransactionID)
	assert.NotEqual(t, a.TransactionID, c.TransactionID)
}

func TestSandbox_DeclineAndPending(t *testing.T) {
	s, err := NewSandbox(16)
	require.NoError(t, err)

	declined, err := s.Charge(context.Background(), SandboxDeclinePrefix+"_1", decimal.NewFromInt(10), "k-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeFailed, declined.Status)

	pending, err := s.Charge(context.Background(), SandboxPendingPrefix+"_1", decimal.NewFromInt(10), "k-2")
	require.NoError(t, err)
	assert.Equal(t, billing.ChargePending, pending.Status)

	settled, err := s.RetrieveTransaction(context.Background(), pending.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, billing.ChargeSucceeded, settled.Status)
}

// =============================================================================
// WEBHOOK SENDER
// =============================================================================

func TestWebhookSender_PostsMessages(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []webhookMessage
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg webhookMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		got = append(got, msg)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewWebhookSender(WebhookConfig{URL: srv.URL, Token: "relay-token"})
	require.NoError(t, err)

	require.NoError(t, s.SendEmail(context.Background(), "a@example.org", "Hello", "Body"))
	require.NoError(t, s.SendSMS(context.Background(), "+15550001111", "Short"))

	require.Len(t, got, 2)
	assert.Equal(t, webhookMessage{Channel: "email", To: "a@example.org", Subject: "Hello", Body: "Body"}, got[0])
	assert.Equal(t, webhookMessage{Channel: "sms", To: "+15550001111", Body: "Short"}, got[1])
	assert.Equal(t, "Bearer relay-token", auth)
}

func TestWebhookSender_RelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, err := NewWebhookSender(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	err = s.SendEmail(context.Background(), "a@example.org", "Hello", "Body")
	assert.ErrorContains(t, err, "429")
}
