package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/ledger"
)

// ConvertLifecycleBookings turns every booking whose event date has
// arrived (tenant-local) into one LifecycleCharge. The charge carries the
// booking's ConversionKey, so a booking converted by an overlapping run is
// skipped.
func (o *Orchestrator) ConvertLifecycleBookings(ctx context.Context, settings ledger.AutomationSettings, now time.Time) (billing.BatchResult, error) {
	today := settings.Today(now)
	bookings, err := o.store.PendingBookings(ctx, settings.TenantID, today)
	if err != nil {
		return billing.BatchResult{}, fmt.Errorf("list pending bookings: %w", err)
	}

	var result billing.BatchResult
	for _, b := range bookings {
		err := o.convertBooking(ctx, b, settings.Location(), now)
		result.Record(billing.ItemFailure{FamilyID: b.FamilyID, RecordID: b.ID}, err)
	}
	return result, nil
}

func (o *Orchestrator) convertBooking(ctx context.Context, b ledger.LifecycleBooking, loc *time.Location, now time.Time) error {
	charge := ledger.LifecycleCharge{
		EventHeader: ledger.Stamp(ledger.EventHeader{
			TenantID:       b.TenantID,
			FamilyID:       b.FamilyID,
			MemberID:       b.MemberID,
			Amount:         b.Amount,
			IdempotencyKey: b.ConversionKey(),
		}, now),
		EventDate: b.EventDate.StartIn(loc),
		EventType: b.EventType,
		Year:      b.EventDate.Year(),
	}

	err := o.store.WithTx(ctx, func(tx ledger.Store) error {
		if err := ledger.NewLedger(tx).Append(ctx, charge); err != nil {
			return err
		}
		convertedAt := now.UTC()
		b.ChargeID = charge.ID
		b.ConvertedAt = &convertedAt
		return tx.SaveBooking(ctx, b)
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return billing.ErrNothingToDo
	}
	if err != nil {
		return fmt.Errorf("convert booking %s: %w", b.ID, err)
	}

	o.log.Info().
		Str("tenant_id", string(b.TenantID)).
		Str("family_id", string(b.FamilyID)).
		Str("booking_id", b.ID).
		Str("event_type", b.EventType).
		Msg("lifecycle booking converted")
	return nil
}
