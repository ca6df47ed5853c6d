/*
recurring.go - Recurring payment scheduler

PURPOSE:
  On each pass, charges every due subscription of a tenant through the
  payment processor and advances or leaves its schedule.

SELECTION:
  due = IsActive && NextDueDate <= today (tenant-local calendar date)

PER ITEM:
  1. Resolve the charge for the current due cycle (see CHARGE ATTEMPTS).
  2. Success: in ONE store transaction
       - append a Payment linked to the subscription and processor tx
       - advance NextDueDate one calendar month (anchor day, clamped)
       - reset ReminderLevel / LastReminderSent if now current
       - mark the attempt confirmed
  3. Failure: NextDueDate untouched, FailureCount++, batch continues.

CHARGE ATTEMPTS (no double charge):
  latest attempt for (subscription, due date):
    none       -> new attempt, key = sub-<id>-<due>
    started    -> outcome unknown: charge again with the SAME key
                  (processor returns the original charge)
    charged    -> processor already succeeded: commit only, no charge
    pending    -> retrieve the transaction and act on its status
    failed     -> definitive decline: new attempt, key suffixed -a<n>
  The Payment's ledger idempotency key is per cycle, so even a racing
  second commit is rejected by the ledger.

TIMEOUTS:
  Processor calls run under the item timeout. A timeout is a failure for
  this pass; the next pass retries with the same key.

SEE ALSO:
  - service.go: Batch plumbing and locks
  - ledger/subscription.go: Subscription and ChargeAttempt
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/metrics"
)

// errCycleAdvanced marks a subscription another pass already committed.
var errCycleAdvanced = fmt.Errorf("%w: due cycle already committed", ErrNothingToDo)

// ProcessDue charges every due subscription of the tenant.
func (s *Service) ProcessDue(ctx context.Context, tenant ledger.TenantID, now time.Time) (BatchResult, error) {
	settings, err := s.settingsFor(ctx, tenant)
	if err != nil {
		return BatchResult{}, err
	}
	today := settings.Today(now)

	due, err := s.store.ListSubscriptions(ctx, ledger.SubscriptionFilter{
		TenantID:      tenant,
		ActiveOnly:    true,
		DueOnOrBefore: &today,
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("list due subscriptions: %w", err)
	}

	result := s.forEach(ctx, due, func(ctx context.Context, sub ledger.Subscription) error {
		return s.collect(ctx, sub, today, now)
	})

	s.log.Info().
		Str("tenant_id", string(tenant)).
		Int("due", len(due)).
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("recurring payments processed")
	return result, nil
}

// collect charges one subscription for its current due cycle.
func (s *Service) collect(ctx context.Context, sub ledger.Subscription, today ledger.Date, now time.Time) error {
	log := s.itemLog(sub)

	prev, err := s.store.LatestAttempt(ctx, sub.ID, sub.NextDueDate)
	if err != nil {
		return fmt.Errorf("load charge attempt: %w", err)
	}

	charge, attempt, err := s.resolveCharge(ctx, sub, prev, now)
	if err != nil {
		metrics.IncCharge(metrics.ResultError)
		log.Warn().Err(err).Str("due_date", sub.NextDueDate.String()).Msg("recurring charge failed")
		s.recordFailure(ctx, sub, err)
		return err
	}

	err = s.commit(ctx, sub, attempt, charge, today, now)
	if errors.Is(err, ledger.ErrConcurrentModification) {
		err = s.commit(ctx, sub, attempt, charge, today, now)
	}
	if err != nil {
		if errors.Is(err, errCycleAdvanced) {
			return err
		}
		metrics.IncCharge(metrics.ResultError)
		log.Error().Err(err).Str("transaction_id", charge.TransactionID).Msg("charge succeeded but local commit failed")
		return fmt.Errorf("commit charge %s: %w", charge.TransactionID, err)
	}

	if s.invalidate != nil {
		s.invalidate(sub.TenantID, sub.FamilyID)
	}
	metrics.IncCharge(metrics.ResultSuccess)
	log.Info().Str("transaction_id", charge.TransactionID).Str("amount", sub.Amount.String()).Msg("recurring charge collected")
	return nil
}

// resolveCharge returns a succeeded charge for the cycle, charging the
// processor only when no earlier attempt already did.
func (s *Service) resolveCharge(ctx context.Context, sub ledger.Subscription, prev *ledger.ChargeAttempt, now time.Time) (Charge, ledger.ChargeAttempt, error) {
	if prev != nil {
		switch prev.Status {
		case ledger.AttemptCharged, ledger.AttemptConfirmed:
			return Charge{TransactionID: prev.TransactionID, Status: ChargeSucceeded, Amount: sub.Amount}, *prev, nil

		case ledger.AttemptPending:
			charge, err := s.retrieve(ctx, prev.TransactionID)
			if err != nil {
				return Charge{}, *prev, err
			}
			switch charge.Status {
			case ChargeSucceeded:
				prev.Status = ledger.AttemptCharged
				s.saveAttempt(ctx, prev, now)
				return charge, *prev, nil
			case ChargePending:
				return Charge{}, *prev, &ledger.ExternalServiceError{Service: "processor", Op: "settle", Err: ErrChargePending}
			}
			prev.Status = ledger.AttemptFailed
			prev.Error = charge.FailureReason
			s.saveAttempt(ctx, prev, now)
		}
	}

	attempt := nextAttempt(sub, prev, now)
	attempt.Status = ledger.AttemptStarted
	if err := s.store.SaveAttempt(ctx, attempt); err != nil {
		return Charge{}, attempt, fmt.Errorf("journal charge attempt: %w", err)
	}

	charge, err := s.charge(ctx, sub, attempt.IdempotencyKey)
	if err != nil {
		attempt.Error = err.Error()
		s.saveAttempt(ctx, &attempt, now)
		return Charge{}, attempt, err
	}

	attempt.TransactionID = charge.TransactionID
	switch charge.Status {
	case ChargeSucceeded:
		attempt.Status = ledger.AttemptCharged
		attempt.Error = ""
		s.saveAttempt(ctx, &attempt, now)
		return charge, attempt, nil
	case ChargePending:
		attempt.Status = ledger.AttemptPending
		s.saveAttempt(ctx, &attempt, now)
		return Charge{}, attempt, &ledger.ExternalServiceError{Service: "processor", Op: "charge", Err: ErrChargePending}
	default:
		attempt.Status = ledger.AttemptFailed
		attempt.Error = charge.FailureReason
		s.saveAttempt(ctx, &attempt, now)
		return Charge{}, attempt, &ledger.ExternalServiceError{
			Service: "processor",
			Op:      "charge",
			Err:     &DeclinedError{TransactionID: charge.TransactionID, Reason: charge.FailureReason},
		}
	}
}

// nextAttempt reuses an unresolved attempt (same key) or opens a new one.
func nextAttempt(sub ledger.Subscription, prev *ledger.ChargeAttempt, now time.Time) ledger.ChargeAttempt {
	if prev != nil && prev.Status == ledger.AttemptStarted {
		return *prev
	}
	seq := 1
	if prev != nil {
		seq = prev.Sequence + 1
	}
	key := sub.CycleKey()
	if seq > 1 {
		key = fmt.Sprintf("%s-a%d", key, seq)
	}
	return ledger.ChargeAttempt{
		ID:             uuid.NewString(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		DueDate:        sub.NextDueDate,
		Sequence:       seq,
		IdempotencyKey: key,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// saveAttempt updates the journal. A failed write is logged only: the
// processor idempotency key still protects the next pass.
func (s *Service) saveAttempt(ctx context.Context, a *ledger.ChargeAttempt, now time.Time) {
	a.UpdatedAt = now.UTC()
	if err := s.store.SaveAttempt(ctx, *a); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID).Str("status", string(a.Status)).Msg("failed to journal charge attempt")
	}
}

func (s *Service) charge(ctx context.Context, sub ledger.Subscription, key string) (Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	charge, err := s.processor.Charge(ctx, sub.InstrumentRef, sub.Amount, key)
	if err != nil {
		return Charge{}, &ledger.ExternalServiceError{Service: "processor", Op: "charge", Err: err}
	}
	return charge, nil
}

func (s *Service) retrieve(ctx context.Context, id string) (Charge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	charge, err := s.processor.RetrieveTransaction(ctx, id)
	if err != nil {
		return Charge{}, &ledger.ExternalServiceError{Service: "processor", Op: "retrieve", Err: err}
	}
	return charge, nil
}

// commit appends the payment and advances the schedule atomically.
func (s *Service) commit(ctx context.Context, sub ledger.Subscription, attempt ledger.ChargeAttempt, charge Charge, today ledger.Date, now time.Time) error {
	return s.store.WithTx(ctx, func(tx ledger.Store) error {
		current, err := tx.GetSubscription(ctx, sub.TenantID, sub.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return &ledger.NotFoundError{Resource: "subscription", ID: string(sub.ID)}
		}
		if !current.NextDueDate.Equal(sub.NextDueDate) {
			return errCycleAdvanced
		}

		payment := ledger.Payment{
			EventHeader: ledger.Stamp(ledger.EventHeader{
				TenantID:       sub.TenantID,
				FamilyID:       sub.FamilyID,
				MemberID:       sub.MemberID,
				Amount:         sub.Amount,
				IdempotencyKey: "payment-" + sub.CycleKey(),
			}, now),
			PaymentDate:    now.UTC(),
			Year:           today.Year(),
			Type:           ledger.PaymentMembership,
			Method:         sub.Method,
			SubscriptionID: sub.ID,
			ProcessorTxID:  charge.TransactionID,
		}
		err = ledger.NewLedger(tx).Append(ctx, payment)
		if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("append payment: %w", err)
		}

		next := *current
		next.NextDueDate = current.Advance()
		next.FailureCount = 0
		next.LastFailure = ""
		next.IsOverdue = next.DaysOverdue(today) > 0
		if next.NextDueDate.After(today) {
			next.ReminderLevel = 0
			next.LastReminderSent = nil
		}
		next.UpdatedAt = now.UTC()
		if err := tx.UpdateSubscription(ctx, next); err != nil {
			return err
		}

		attempt.Status = ledger.AttemptConfirmed
		attempt.UpdatedAt = now.UTC()
		return tx.SaveAttempt(ctx, attempt)
	})
}

// recordFailure bumps the failure counter for observability.
func (s *Service) recordFailure(ctx context.Context, sub ledger.Subscription, cause error) {
	msg := ledger.TruncateRunes(cause.Error(), 500)
	err := s.mutateSubscription(ctx, s.store, sub.TenantID, sub.ID, func(cur *ledger.Subscription) bool {
		if !cur.NextDueDate.Equal(sub.NextDueDate) {
			return false
		}
		cur.FailureCount++
		cur.LastFailure = msg
		return true
	})
	if err != nil {
		log := s.itemLog(sub)
		log.Warn().Err(err).Msg("failed to record charge failure")
	}
}
