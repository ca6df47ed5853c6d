package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/warp/dues-engine/ledger"
)

// =============================================================================
// SUBSCRIPTION LIFECYCLE
// =============================================================================

// CreateSubscription opens a monthly schedule anchored on the first due
// date's day-of-month. Fails with ErrActiveSubscriptionExists when the
// family already has an active schedule for the instrument.
func (s *Service) CreateSubscription(ctx context.Context, sub ledger.Subscription) (*ledger.Subscription, error) {
	now := s.clock.Now().UTC()
	if sub.ID == "" {
		sub.ID = ledger.SubscriptionID(uuid.NewString())
	}
	if sub.Frequency == "" {
		sub.Frequency = ledger.FrequencyMonthly
	}
	if sub.Method == "" {
		sub.Method = ledger.MethodCreditCard
	}
	if sub.BillingDay == 0 {
		sub.BillingDay = sub.NextDueDate.Day()
	}
	sub.IsActive = true
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := sub.Validate(); err != nil {
		return nil, err
	}
	family, err := s.store.GetFamily(ctx, sub.TenantID, sub.FamilyID)
	if err != nil {
		return nil, err
	}
	if family == nil {
		return nil, &ledger.NotFoundError{Resource: "family", ID: string(sub.FamilyID)}
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// CancelSubscription deactivates a schedule. Subscriptions are never deleted.
func (s *Service) CancelSubscription(ctx context.Context, tenant ledger.TenantID, id ledger.SubscriptionID) (*ledger.Subscription, error) {
	canceledAt := s.clock.Now().UTC()
	err := s.mutateSubscription(ctx, s.store, tenant, id, func(cur *ledger.Subscription) bool {
		if !cur.IsActive {
			return false
		}
		cur.IsActive = false
		cur.IsOverdue = false
		cur.CanceledAt = &canceledAt
		return true
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetSubscription(ctx, tenant, id)
}

// ListSubscriptions returns the tenant's subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, f ledger.SubscriptionFilter) ([]ledger.Subscription, error) {
	return s.store.ListSubscriptions(ctx, f)
}
