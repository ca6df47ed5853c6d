package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT PROCESSOR - external collaborator
// =============================================================================

type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargePending   ChargeStatus = "pending"
	ChargeFailed    ChargeStatus = "failed"
)

// Charge is the processor's view of one charge.
type Charge struct {
	TransactionID string
	Status        ChargeStatus
	Amount        decimal.Decimal
	FailureReason string
}

// PaymentProcessor charges stored instruments. Implementations must honor
// idempotency keys: a repeated key returns the original charge instead of
// creating a new one.
type PaymentProcessor interface {
	Charge(ctx context.Context, instrumentRef string, amount decimal.Decimal, idempotencyKey string) (Charge, error)
	RetrieveTransaction(ctx context.Context, id string) (Charge, error)
}

var (
	// ErrChargeDeclined marks a definitive processor decline.
	ErrChargeDeclined = errors.New("charge declined")

	// ErrChargePending marks a charge the processor has not settled yet.
	ErrChargePending = errors.New("charge pending")
)

// DeclinedError carries the processor's decline reason.
type DeclinedError struct {
	TransactionID string
	Reason        string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("charge %s declined: %s", e.TransactionID, e.Reason)
}

func (e *DeclinedError) Unwrap() error { return ErrChargeDeclined }
