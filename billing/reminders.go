package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/notify"
)

// =============================================================================
// PRE-DUE REMINDERS - date equality against configured lead times
// =============================================================================

// MatchLeadTime returns the first lead time with today == due - lead.
func MatchLeadTime(due, today ledger.Date, leads []int) (int, bool) {
	for _, lead := range leads {
		if lead > 0 && due.AddDays(-lead).Equal(today) {
			return lead, true
		}
	}
	return 0, false
}

// SendUpcomingReminders notifies families whose next charge is exactly one
// of the tenant's ReminderDaysBefore lead times away. At most one pre-due
// reminder goes out per subscription per day.
func (s *Service) SendUpcomingReminders(ctx context.Context, tenant ledger.TenantID, now time.Time) (BatchResult, error) {
	settings, err := s.settingsFor(ctx, tenant)
	if err != nil {
		return BatchResult{}, err
	}
	if len(settings.ReminderDaysBefore) == 0 {
		return BatchResult{}, nil
	}
	today := settings.Today(now)

	active, err := s.store.ListSubscriptions(ctx, ledger.SubscriptionFilter{TenantID: tenant, ActiveOnly: true})
	if err != nil {
		return BatchResult{}, fmt.Errorf("list active subscriptions: %w", err)
	}

	var upcoming []ledger.Subscription
	for _, sub := range active {
		if sub.NextDueDate.After(today) {
			upcoming = append(upcoming, sub)
		}
	}

	result := s.forEach(ctx, upcoming, func(ctx context.Context, sub ledger.Subscription) error {
		return s.remindUpcoming(ctx, settings, sub, today)
	})

	s.log.Info().
		Str("tenant_id", string(tenant)).
		Int("sent", result.Processed).
		Int("failed", result.Failed).
		Msg("upcoming payment reminders processed")
	return result, nil
}

func (s *Service) remindUpcoming(ctx context.Context, settings ledger.AutomationSettings, sub ledger.Subscription, today ledger.Date) error {
	lead, ok := MatchLeadTime(sub.NextDueDate, today, settings.ReminderDaysBefore)
	if !ok {
		return ErrNothingToDo
	}
	if sub.LastUpcomingReminder != nil && sub.LastUpcomingReminder.Equal(today) {
		return ErrNothingToDo
	}

	family, err := s.familyFor(ctx, sub)
	if err != nil {
		return err
	}
	msg, err := s.templates.Render(notify.KindUpcoming, notify.TemplateData{
		RecipientName: family.Name,
		Amount:        sub.Amount.StringFixed(ledger.MinorUnitScale),
		DueDate:       sub.NextDueDate.String(),
		DaysUntilDue:  lead,
	})
	if err != nil {
		return err
	}
	if _, err := s.dispatcher.Deliver(ctx, sub.TenantID, notify.ChannelsFor(settings), notify.FamilyRecipient(family), notify.KindUpcoming, msg); err != nil {
		return err
	}

	sentOn := today
	return s.mutateSubscription(ctx, s.store, sub.TenantID, sub.ID, func(cur *ledger.Subscription) bool {
		cur.LastUpcomingReminder = &sentOn
		return true
	})
}
