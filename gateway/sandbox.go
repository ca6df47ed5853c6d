package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/billing"
)

// Instrument refs with these prefixes steer the sandbox outcome.
const (
	SandboxDeclinePrefix = "pm_decline"
	SandboxPendingPrefix = "pm_pending"
)

// Sandbox is an in-process processor for local runs and demo scenarios.
// It honors idempotency keys for the most recent keys it has seen.
type Sandbox struct {
	mu    sync.Mutex
	seq   int
	byKey *lru.Cache[string, billing.Charge]
	byID  *lru.Cache[string, billing.Charge]
}

var _ billing.PaymentProcessor = (*Sandbox)(nil)

// NewSandbox keeps up to size charges (default 10000).
func NewSandbox(size int) (*Sandbox, error) {
	if size <= 0 {
		size = 10000
	}
	byKey, err := lru.New[string, billing.Charge](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	byID, err := lru.New[string, billing.Charge](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Sandbox{byKey: byKey, byID: byID}, nil
}

func (s *Sandbox) Charge(ctx context.Context, instrumentRef string, amount decimal.Decimal, idempotencyKey string) (billing.Charge, error) {
	if err := ctx.Err(); err != nil {
		return billing.Charge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byKey.Get(idempotencyKey); ok {
		return c, nil
	}

	s.seq++
	c := billing.Charge{
		TransactionID: fmt.Sprintf("sbx_%06d", s.seq),
		Status:        billing.ChargeSucceeded,
		Amount:        amount,
	}
	switch {
	case strings.HasPrefix(instrumentRef, SandboxDeclinePrefix):
		c.Status = billing.ChargeFailed
		c.FailureReason = "card_declined"
	case strings.HasPrefix(instrumentRef, SandboxPendingPrefix):
		c.Status = billing.ChargePending
	}
	s.byKey.Add(idempotencyKey, c)
	s.byID.Add(c.TransactionID, c)
	return c, nil
}

// RetrieveTransaction reports pending sandbox charges as settled.
func (s *Sandbox) RetrieveTransaction(ctx context.Context, id string) (billing.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID.Get(id)
	if !ok {
		return billing.Charge{}, fmt.Errorf("transaction %s not found", id)
	}
	if c.Status == billing.ChargePending {
		c.Status = billing.ChargeSucceeded
		s.byID.Add(id, c)
	}
	return c, nil
}
