/*
statement.go - Immutable periodic statements

PURPOSE:
  Computes opening/closing balances and period totals for a subject and
  stores them as an immutable, numbered Statement.

ALGORITHM:
  1. opening     = Balance(subject, from - 1ns)
  2. income      = payments with from <= date <= to
  3. withdrawals = withdrawals in the window (0 for members)
  4. expenses    = lifecycle charges in the window (display only)
  5. closing     = opening + income - withdrawals
  6. sequence    = atomic per-subject counter, in the same store
                   transaction as the insert
  7. number      = STMT-<subject suffix>-<sequence>

IDENTITY:
  closing == opening + income - withdrawals, exact to the minor unit.
  Lifecycle charges never enter the closing balance.

REGENERATION:
  Generating the same period twice creates two statements with
  different numbers. The monthly batch checks for an existing statement
  for the exact period before generating.

SEE ALSO:
  - balance.go: Opening balance and window totals
  - automation/statements.go: Monthly batch
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/metrics"
)

// Statement is an immutable financial snapshot for one subject and period.
type Statement struct {
	ID             StatementID
	TenantID       TenantID
	SubjectType    SubjectType
	SubjectID      string
	Number         string
	Sequence       int64
	FromDate       time.Time
	ToDate         time.Time
	OpeningBalance decimal.Decimal
	Income         decimal.Decimal
	Withdrawals    decimal.Decimal
	Expenses       decimal.Decimal
	ClosingBalance decimal.Decimal
	GeneratedAt    time.Time
}

// Subject returns the statement's billing subject.
func (s Statement) Subject() Subject {
	return Subject{TenantID: s.TenantID, Type: s.SubjectType, ID: s.SubjectID}
}

// StatementNumber formats the human-readable statement identifier.
func StatementNumber(subject Subject, sequence int64) string {
	return fmt.Sprintf("STMT-%s-%04d", subject.Suffix(), sequence)
}

// =============================================================================
// GENERATOR
// =============================================================================

type StatementGenerator struct {
	Store    TxStore
	Balances BalanceSource
	Now      func() time.Time
}

// NewStatementGenerator uses balances for opening balances when non-nil,
// otherwise a calculator over the store.
func NewStatementGenerator(store TxStore, balances BalanceSource) *StatementGenerator {
	if balances == nil {
		balances = NewBalanceCalculator(store, store)
	}
	return &StatementGenerator{Store: store, Balances: balances, Now: time.Now}
}

// Generate computes and persists a statement for [from, to] (inclusive instants).
func (g *StatementGenerator) Generate(ctx context.Context, subject Subject, from, to time.Time) (st *Statement, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.ObserveStatementGenerate(result, time.Since(start))
	}()

	if to.Before(from) {
		return nil, &RangeError{From: from.Format(time.RFC3339), To: to.Format(time.RFC3339)}
	}

	opening, err := g.Balances.Balance(ctx, subject, from.Add(-time.Nanosecond))
	if err != nil {
		return nil, err
	}
	totals, err := NewBalanceCalculator(g.Store, g.Store).Window(ctx, subject, from, to)
	if err != nil {
		return nil, err
	}

	openingMinor := ToMinor(opening.Balance)
	closingMinor := openingMinor + totals.Income - totals.Withdrawals

	st = &Statement{
		ID:             StatementID(uuid.NewString()),
		TenantID:       subject.TenantID,
		SubjectType:    subject.Type,
		SubjectID:      subject.ID,
		FromDate:       from,
		ToDate:         to,
		OpeningBalance: FromMinor(openingMinor),
		Income:         FromMinor(totals.Income),
		Withdrawals:    FromMinor(totals.Withdrawals),
		Expenses:       FromMinor(totals.Expenses),
		ClosingBalance: FromMinor(closingMinor),
		GeneratedAt:    g.Now().UTC(),
	}

	err = g.Store.WithTx(ctx, func(tx Store) error {
		seq, err := tx.NextStatementSequence(ctx, subject)
		if err != nil {
			return fmt.Errorf("next statement sequence: %w", err)
		}
		st.Sequence = seq
		st.Number = StatementNumber(subject, seq)
		return tx.SaveStatement(ctx, *st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GenerateForPeriod generates a statement covering whole days of p in loc.
func (g *StatementGenerator) GenerateForPeriod(ctx context.Context, subject Subject, p Period, loc *time.Location) (*Statement, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	from, to := p.Bounds(loc)
	return g.Generate(ctx, subject, from, to)
}
