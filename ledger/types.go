/*
types.go - Core value types for the dues ledger

PURPOSE:
  Defines identifiers, billing subjects, money helpers and the three
  ledger event variants (Payment, Withdrawal, LifecycleCharge). These are
  the building blocks used by the balance calculator, the statement
  generator and the billing scheduler.

KEY CONCEPTS:
  Subject:  Who a balance is computed for (a Family or a Member),
            always scoped to one tenant.
  Event:    Immutable ledger record. Exactly one Family, optionally
            one Member. Ordered by its own effective date, not by
            creation time.
  Money:    decimal.Decimal at the API surface, int64 minor units
            inside sums (see ToMinor / FromMinor).

EVENT VARIANTS:
  Payment          adds to Family and Member balances
  Withdrawal       subtracts from the Family balance only
  LifecycleCharge  shown on statements as an expense, never subtracted

SEE ALSO:
  - balance.go: How events are folded into a balance
  - subscription.go: Recurring charge schedules
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	TenantID       string
	FamilyID       string
	MemberID       string
	EventID        string
	SubscriptionID string
	StatementID    string
)

// =============================================================================
// MONEY - decimal at the edges, minor units inside sums
// =============================================================================

// MinorUnitScale is the number of decimal places of the currency minor unit.
const MinorUnitScale = 2

// ToMinor converts a decimal amount to integer minor units, rounding half
// away from zero at the minor unit.
func ToMinor(d decimal.Decimal) int64 {
	return d.Round(MinorUnitScale).Shift(MinorUnitScale).IntPart()
}

// ValidateAmount rejects amounts that are not positive or carry more
// precision than the currency minor unit.
func ValidateAmount(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return &InvalidInputError{Field: field, Reason: "must be positive"}
	}
	if !d.Equal(d.Round(MinorUnitScale)) {
		return &InvalidInputError{Field: field, Reason: fmt.Sprintf("at most %d decimal places", MinorUnitScale)}
	}
	return nil
}

// FromMinor converts integer minor units back to a decimal amount.
func FromMinor(m int64) decimal.Decimal {
	return decimal.New(m, -MinorUnitScale)
}

// MustParseDecimal parses a decimal string, panicking on failure.
// Only for constants and trusted storage values.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// SUBJECT - Family or Member whose balance is computed
// =============================================================================

type SubjectType string

const (
	SubjectFamily SubjectType = "family"
	SubjectMember SubjectType = "member"
)

// Subject identifies a billing subject inside one tenant.
type Subject struct {
	TenantID TenantID
	Type     SubjectType
	ID       string
}

func FamilySubject(tenant TenantID, id FamilyID) Subject {
	return Subject{TenantID: tenant, Type: SubjectFamily, ID: string(id)}
}

func MemberSubject(tenant TenantID, id MemberID) Subject {
	return Subject{TenantID: tenant, Type: SubjectMember, ID: string(id)}
}

// Validate checks the subject shape (not existence).
func (s Subject) Validate() error {
	if s.TenantID == "" {
		return &InvalidInputError{Field: "tenant_id", Reason: "required"}
	}
	if s.ID == "" {
		return &InvalidInputError{Field: "subject_id", Reason: "required"}
	}
	switch s.Type {
	case SubjectFamily, SubjectMember:
		return nil
	default:
		return &InvalidInputError{Field: "subject_type", Reason: fmt.Sprintf("unknown subject type %q", s.Type)}
	}
}

// Suffix returns the fixed-length, upper-cased tail of the subject id used
// in statement numbers. Short ids are left-padded with zeros.
func (s Subject) Suffix() string {
	const n = 6
	id := []rune(strings.ToUpper(strings.ReplaceAll(s.ID, "-", "")))
	if len(id) >= n {
		return string(id[len(id)-n:])
	}
	return strings.Repeat("0", n-len(id)) + string(id)
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (s Subject) String() string {
	return string(s.Type) + ":" + s.ID
}

// =============================================================================
// FAMILY / MEMBER - billing subjects
// =============================================================================

// Family is a member household. Only families carry withdrawals.
type Family struct {
	ID         FamilyID
	TenantID   TenantID
	Name       string
	Email      string
	Phone      string
	EmailOptIn bool
	SMSOptIn   bool
	CreatedAt  time.Time
}

// Member belongs to exactly one family.
type Member struct {
	ID        MemberID
	TenantID  TenantID
	FamilyID  FamilyID
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// LEDGER EVENTS - tagged variants
// =============================================================================

type EventKind string

const (
	KindPayment         EventKind = "payment"
	KindWithdrawal      EventKind = "withdrawal"
	KindLifecycleCharge EventKind = "lifecycle_charge"
)

// Event is implemented by Payment, Withdrawal and LifecycleCharge.
type Event interface {
	Header() EventHeader
	Kind() EventKind
	// EffectiveAt is the event's own timestamp; balances and statements
	// order and filter on it.
	EffectiveAt() time.Time
}

// EventHeader holds the fields shared by all event variants.
type EventHeader struct {
	ID             EventID
	TenantID       TenantID
	FamilyID       FamilyID
	MemberID       MemberID // optional
	Amount         decimal.Decimal
	IdempotencyKey string
	CreatedAt      time.Time
}

func (h EventHeader) Header() EventHeader { return h }

type PaymentType string

const (
	PaymentMembership PaymentType = "membership"
	PaymentDonation   PaymentType = "donation"
	PaymentOther      PaymentType = "other"
)

type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodCash         PaymentMethod = "cash"
	MethodCheck        PaymentMethod = "check"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOther        PaymentMethod = "other"
)

// Payment increases family and member balances.
type Payment struct {
	EventHeader
	PaymentDate    time.Time
	Year           int
	Type           PaymentType
	Method         PaymentMethod
	SubscriptionID SubscriptionID // set when a recurring charge produced it
	ProcessorTxID  string
	RefundedAmount decimal.Decimal // informational, not netted from balances
}

func (Payment) Kind() EventKind          { return KindPayment }
func (p Payment) EffectiveAt() time.Time { return p.PaymentDate }

// Withdrawal reduces a family balance. Never attached to a member.
type Withdrawal struct {
	EventHeader
	WithdrawalDate time.Time
	Description    string
}

func (Withdrawal) Kind() EventKind          { return KindWithdrawal }
func (w Withdrawal) EffectiveAt() time.Time { return w.WithdrawalDate }

// LifecycleCharge is a catalog-priced one-off event billed to a family.
// It appears as an expense on statements and does not reduce balances.
type LifecycleCharge struct {
	EventHeader
	EventDate time.Time
	EventType string
	Year      int
}

func (LifecycleCharge) Kind() EventKind          { return KindLifecycleCharge }
func (c LifecycleCharge) EffectiveAt() time.Time { return c.EventDate }

// ValidateEvent checks the invariants shared by manual entry and the
// store boundary.
func ValidateEvent(e Event) error {
	h := e.Header()
	if h.TenantID == "" {
		return &InvalidInputError{Field: "tenant_id", Reason: "required"}
	}
	if h.FamilyID == "" {
		return &InvalidInputError{Field: "family_id", Reason: "required"}
	}
	if err := ValidateAmount("amount", h.Amount); err != nil {
		return err
	}
	if e.EffectiveAt().IsZero() {
		return &InvalidInputError{Field: "date", Reason: "required"}
	}
	if w, ok := e.(Withdrawal); ok && w.MemberID != "" {
		return &InvalidInputError{Field: "member_id", Reason: "withdrawals apply to families only"}
	}
	return nil
}
