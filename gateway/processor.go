/*
Package gateway holds the adapters to external services: the payment
processor and the notification transports.

PROCESSOR WIRE FORMAT:
  POST {base}/charges
    Authorization:   Bearer <api key>
    Idempotency-Key: <key>
    {"instrument_ref": "...", "amount": "100.00", "currency": "USD"}

  GET {base}/charges/{id}

  Both return {"id", "status", "amount", "failure_reason"}. A 402 carries a
  declined charge in the same shape. Any other non-2xx is an error and the
  scheduler retries with the same key on its next pass.

SEE ALSO:
  - billing/processor.go: PaymentProcessor contract
  - notifier.go: Email/SMS senders
*/
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/ledger"
)

// ProcessorConfig holds processor connection settings.
type ProcessorConfig struct {
	BaseURL  string
	APIKey   string
	Currency string        // default "USD"
	Timeout  time.Duration // default 30s
}

// HTTPProcessor implements billing.PaymentProcessor over a JSON HTTP API.
type HTTPProcessor struct {
	config     ProcessorConfig
	httpClient *http.Client
}

var _ billing.PaymentProcessor = (*HTTPProcessor)(nil)

func NewHTTPProcessor(config ProcessorConfig) (*HTTPProcessor, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("processor base url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("processor base url: %w", err)
	}
	if config.Currency == "" {
		config.Currency = "USD"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPProcessor{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type chargeRequest struct {
	InstrumentRef string `json:"instrument_ref"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

type chargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (r chargeResponse) toCharge() (billing.Charge, error) {
	c := billing.Charge{
		TransactionID: r.ID,
		Status:        billing.ChargeStatus(r.Status),
		FailureReason: r.FailureReason,
	}
	switch c.Status {
	case billing.ChargeSucceeded, billing.ChargePending, billing.ChargeFailed:
	default:
		return c, fmt.Errorf("unknown charge status %q", r.Status)
	}
	if r.Amount != "" {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return c, fmt.Errorf("bad charge amount %q: %w", r.Amount, err)
		}
		c.Amount = amount
	}
	return c, nil
}

// Charge creates (or, for a repeated key, returns) a charge.
func (p *HTTPProcessor) Charge(ctx context.Context, instrumentRef string, amount decimal.Decimal, idempotencyKey string) (billing.Charge, error) {
	body, err := json.Marshal(chargeRequest{
		InstrumentRef: instrumentRef,
		Amount:        amount.StringFixed(2),
		Currency:      p.config.Currency,
	})
	if err != nil {
		return billing.Charge{}, fmt.Errorf("marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return billing.Charge{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	return p.do(req)
}

// RetrieveTransaction looks up a charge by processor id.
func (p *HTTPProcessor) RetrieveTransaction(ctx context.Context, id string) (billing.Charge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/charges/"+url.PathEscape(id), nil)
	if err != nil {
		return billing.Charge{}, fmt.Errorf("create request: %w", err)
	}
	return p.do(req)
}

func (p *HTTPProcessor) do(req *http.Request) (billing.Charge, error) {
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return billing.Charge{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return billing.Charge{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusPaymentRequired {
		return billing.Charge{}, fmt.Errorf("processor returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var result chargeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return billing.Charge{}, fmt.Errorf("decode response: %w", err)
	}
	charge, err := result.toCharge()
	if err != nil {
		return billing.Charge{}, err
	}
	if resp.StatusCode == http.StatusPaymentRequired && charge.Status != billing.ChargeFailed {
		charge.Status = billing.ChargeFailed
	}
	return charge, nil
}

func truncate(s string, n int) string {
	if t := ledger.TruncateRunes(s, n); t != s {
		return t + "..."
	}
	return s
}
