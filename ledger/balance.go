/*
balance.go - Balance calculation by replaying ledger events

PURPOSE:
  Turns the ledger events of a subject plus an "as of" instant into a
  signed balance. Pure with respect to the event set: no side effects,
  safe to call concurrently and repeatedly.

RULES:
  Family:  sum(Payment.amount)  - sum(Withdrawal.amount)
  Member:  sum(Payment.amount attached to the member)
  LifecycleCharge is EXCLUDED from balances. It only shows up as the
  "expenses" line of a statement.

AS-OF SEMANTICS:
  asOf is an inclusive upper bound: an event whose effective time equals
  asOf counts, anything strictly after it does not.

NUMERICS:
  Amounts are summed as int64 minor units and converted back to decimal
  once, so long histories never accumulate rounding drift.

ADDITIVITY:
  Balance(t2) - Balance(t1) == payments in (t1, t2] - withdrawals in (t1, t2]

SEE ALSO:
  - cache.go: LRU cache for past as-of balances
  - statement.go: Opening balance + period totals
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

// BalanceResult is the balance of a subject at an instant.
type BalanceResult struct {
	Subject         Subject
	FamilyID        FamilyID
	AsOf            time.Time
	Balance         decimal.Decimal
	IncomeTotal     decimal.Decimal
	WithdrawalTotal decimal.Decimal
}

// Totals are minor-unit sums of events per kind.
type Totals struct {
	Income      int64
	Withdrawals int64
	Expenses    int64
}

// Summarize folds events into per-kind totals. Withdrawals are ignored for
// member subjects, which never carry them.
func Summarize(events []Event, subjectType SubjectType) Totals {
	var t Totals
	for _, e := range events {
		amount := ToMinor(e.Header().Amount)
		switch e.Kind() {
		case KindPayment:
			t.Income += amount
		case KindWithdrawal:
			if subjectType == SubjectFamily {
				t.Withdrawals += amount
			}
		case KindLifecycleCharge:
			t.Expenses += amount
		}
	}
	return t
}

// ComputeBalance applies the balance rules to events at asOf.
// Events after asOf are skipped so callers may pass a superset.
func ComputeBalance(events []Event, subject Subject, asOf time.Time) BalanceResult {
	var included []Event
	for _, e := range events {
		if !e.EffectiveAt().After(asOf) {
			included = append(included, e)
		}
	}
	t := Summarize(included, subject.Type)
	return BalanceResult{
		Subject:         subject,
		AsOf:            asOf,
		Balance:         FromMinor(t.Income - t.Withdrawals),
		IncomeTotal:     FromMinor(t.Income),
		WithdrawalTotal: FromMinor(t.Withdrawals),
	}
}

// =============================================================================
// BALANCE CALCULATOR - store-backed
// =============================================================================

// EventReader is the read side of the ledger.
type EventReader interface {
	Events(ctx context.Context, q EventQuery) ([]Event, error)
}

// SubjectDirectory resolves billing subjects.
type SubjectDirectory interface {
	GetFamily(ctx context.Context, tenant TenantID, id FamilyID) (*Family, error)
	GetMember(ctx context.Context, tenant TenantID, id MemberID) (*Member, error)
}

// BalanceSource is implemented by BalanceCalculator and CachedBalances.
type BalanceSource interface {
	Balance(ctx context.Context, subject Subject, asOf time.Time) (BalanceResult, error)
}

type BalanceCalculator struct {
	Events    EventReader
	Directory SubjectDirectory
}

func NewBalanceCalculator(events EventReader, dir SubjectDirectory) *BalanceCalculator {
	return &BalanceCalculator{Events: events, Directory: dir}
}

// Balance returns the subject's balance at asOf (inclusive).
func (c *BalanceCalculator) Balance(ctx context.Context, subject Subject, asOf time.Time) (BalanceResult, error) {
	q, err := ResolveSubject(ctx, c.Directory, subject)
	if err != nil {
		return BalanceResult{}, err
	}
	q.To = &asOf
	q.Kinds = []EventKind{KindPayment}
	if subject.Type == SubjectFamily {
		q.Kinds = append(q.Kinds, KindWithdrawal)
	}

	events, err := c.Events.Events(ctx, q)
	if err != nil {
		return BalanceResult{}, fmt.Errorf("load events for %s: %w", subject, err)
	}
	result := ComputeBalance(events, subject, asOf)
	result.FamilyID = q.FamilyID
	return result, nil
}

// Window returns per-kind totals for events with from <= effective <= to.
func (c *BalanceCalculator) Window(ctx context.Context, subject Subject, from, to time.Time) (Totals, error) {
	q, err := ResolveSubject(ctx, c.Directory, subject)
	if err != nil {
		return Totals{}, err
	}
	q.From, q.To = &from, &to

	events, err := c.Events.Events(ctx, q)
	if err != nil {
		return Totals{}, fmt.Errorf("load events for %s: %w", subject, err)
	}
	return Summarize(events, subject.Type), nil
}

// ResolveSubject checks that the subject exists in its tenant and returns
// the base event query selecting its events.
func ResolveSubject(ctx context.Context, dir SubjectDirectory, subject Subject) (EventQuery, error) {
	if err := subject.Validate(); err != nil {
		return EventQuery{}, err
	}
	switch subject.Type {
	case SubjectFamily:
		f, err := dir.GetFamily(ctx, subject.TenantID, FamilyID(subject.ID))
		if err != nil {
			return EventQuery{}, err
		}
		if f == nil {
			return EventQuery{}, &NotFoundError{Resource: "family", ID: subject.ID}
		}
		return EventQuery{TenantID: subject.TenantID, FamilyID: f.ID}, nil
	default:
		m, err := dir.GetMember(ctx, subject.TenantID, MemberID(subject.ID))
		if err != nil {
			return EventQuery{}, err
		}
		if m == nil {
			return EventQuery{}, &NotFoundError{Resource: "member", ID: subject.ID}
		}
		return EventQuery{TenantID: subject.TenantID, FamilyID: m.FamilyID, MemberID: m.ID}, nil
	}
}
