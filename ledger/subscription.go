/*
subscription.go - Recurring charge schedules and charge attempts

PURPOSE:
  A Subscription is one recurring-charge schedule per (family, payment
  instrument). The billing scheduler reads due subscriptions, charges the
  instrument through the processor and advances NextDueDate by one month.

INVARIANTS:
  - At most one ACTIVE subscription per (family, instrument).
  - Subscriptions are deactivated on cancel, never deleted.
  - ReminderLevel only grows while overdue and resets to 0 when a payment
    moves NextDueDate past today.
  - Version is an optimistic concurrency token; every update must carry
    the version it read.

CHARGE ATTEMPTS:
  Every processor charge is journaled per (subscription, due cycle) so a
  retry after a partial failure reuses the same idempotency key, or skips
  the charge entirely when the processor already succeeded.

SEE ALSO:
  - billing/recurring.go: Processing pass
  - billing/escalation.go: Overdue reminder levels
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUBSCRIPTION
// =============================================================================

type Frequency string

const FrequencyMonthly Frequency = "monthly"

// Subscription is a recurring-charge schedule tied to one saved instrument.
type Subscription struct {
	ID            SubscriptionID
	TenantID      TenantID
	FamilyID      FamilyID
	MemberID      MemberID // optional
	InstrumentRef string   // processor-side token, never card data
	Method        PaymentMethod
	Amount        decimal.Decimal
	Frequency     Frequency
	BillingDay    int // anchor day-of-month for advancement
	NextDueDate   Date
	IsActive      bool

	// IsOverdue is a cache refreshed by the overdue-status job. Escalation
	// recomputes days overdue itself and never reads it.
	IsOverdue        bool
	ReminderLevel    int
	LastReminderSent *time.Time

	// LastUpcomingReminder is the date the last pre-due reminder went out.
	LastUpcomingReminder *Date

	FailureCount int
	LastFailure  string

	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CanceledAt *time.Time
}

// Validate checks a subscription before it is created.
func (s Subscription) Validate() error {
	switch {
	case s.TenantID == "":
		return &InvalidInputError{Field: "tenant_id", Reason: "required"}
	case s.FamilyID == "":
		return &InvalidInputError{Field: "family_id", Reason: "required"}
	case s.InstrumentRef == "":
		return &InvalidInputError{Field: "instrument_ref", Reason: "required"}
	case s.Frequency != FrequencyMonthly:
		return &InvalidInputError{Field: "frequency", Reason: fmt.Sprintf("unsupported frequency %q", s.Frequency)}
	case s.NextDueDate.IsZero():
		return &InvalidInputError{Field: "next_due_date", Reason: "required"}
	case s.BillingDay < 1 || s.BillingDay > 31:
		return &InvalidInputError{Field: "billing_day", Reason: "must be between 1 and 31"}
	}
	return ValidateAmount("amount", s.Amount)
}

// IsDue reports whether the subscription should be charged on today.
func (s Subscription) IsDue(today Date) bool {
	return s.IsActive && s.NextDueDate.BeforeOrEqual(today)
}

// DaysOverdue returns whole days between NextDueDate and today (<= 0 when current).
func (s Subscription) DaysOverdue(today Date) int {
	return DaysBetween(s.NextDueDate, today)
}

// Advance returns the next due date after one frequency period.
func (s Subscription) Advance() Date {
	return s.NextDueDate.AddMonths(1, s.BillingDay)
}

// CycleKey identifies the current due cycle. It is the base of the
// processor idempotency key and of the ledger payment idempotency key.
func (s Subscription) CycleKey() string {
	return fmt.Sprintf("sub-%s-%s", s.ID, s.NextDueDate)
}

// SubscriptionFilter selects subscriptions for a batch.
type SubscriptionFilter struct {
	TenantID      TenantID
	FamilyID      FamilyID // optional
	ActiveOnly    bool
	DueOnOrBefore *Date // optional
}

// =============================================================================
// CHARGE ATTEMPTS
// =============================================================================

type AttemptStatus string

const (
	// AttemptStarted: charge request sent, outcome unknown.
	AttemptStarted AttemptStatus = "started"
	// AttemptCharged: processor succeeded, local commit not yet done.
	AttemptCharged AttemptStatus = "charged"
	// AttemptPending: processor accepted but has not settled.
	AttemptPending AttemptStatus = "pending"
	// AttemptFailed: definitive decline; the next attempt uses a new key.
	AttemptFailed AttemptStatus = "failed"
	// AttemptConfirmed: payment appended and schedule advanced.
	AttemptConfirmed AttemptStatus = "confirmed"
)

// ChargeAttempt journals one processor charge for one due cycle.
type ChargeAttempt struct {
	ID             string
	TenantID       TenantID
	SubscriptionID SubscriptionID
	DueDate        Date
	Sequence       int
	IdempotencyKey string
	TransactionID  string
	Status         AttemptStatus
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
