package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/ledger"
)

// GenerateMonthlyStatements runs on the first tenant-local day of a month
// and issues every family a statement for the previous month. Families
// that already have a statement for exactly that period are skipped.
func (o *Orchestrator) GenerateMonthlyStatements(ctx context.Context, settings ledger.AutomationSettings, now time.Time) (billing.BatchResult, error) {
	today := settings.Today(now)
	if today.Day() != 1 {
		return billing.BatchResult{}, nil
	}

	loc := settings.Location()
	period := ledger.MonthPeriod(today.Year(), today.Month()).PreviousMonth()
	from, to := period.Bounds(loc)

	families, err := o.store.ListFamilies(ctx, settings.TenantID)
	if err != nil {
		return billing.BatchResult{}, fmt.Errorf("list families: %w", err)
	}

	var result billing.BatchResult
	for _, f := range families {
		subject := ledger.FamilySubject(f.TenantID, f.ID)
		err := o.monthlyStatement(ctx, subject, period, from, to, loc)
		result.Record(billing.ItemFailure{FamilyID: f.ID}, err)
	}

	o.log.Info().
		Str("tenant_id", string(settings.TenantID)).
		Str("period", period.String()).
		Int("generated", result.Processed).
		Int("failed", result.Failed).
		Msg("monthly statements generated")
	return result, nil
}

func (o *Orchestrator) monthlyStatement(ctx context.Context, subject ledger.Subject, period ledger.Period, from, to time.Time, loc *time.Location) error {
	existing, err := o.store.ListStatements(ctx, subject)
	if err != nil {
		return fmt.Errorf("list statements: %w", err)
	}
	for _, st := range existing {
		if st.FromDate.Equal(from) && st.ToDate.Equal(to) {
			return billing.ErrNothingToDo
		}
	}
	if _, err := o.statements.GenerateForPeriod(ctx, subject, period, loc); err != nil {
		return fmt.Errorf("generate statement for %s: %w", subject, err)
	}
	return nil
}
