/*
escalation.go - Overdue escalation state machine

PURPOSE:
  Decides when an overdue subscription gets its next reminder and keeps
  the cached IsOverdue flag fresh for read paths.

STATES (derived from days overdue, never stored as an enum):
  Current  daysOverdue <= 0
  Level1   daysOverdue >= 7
  Level2   daysOverdue >= 14
  Level3   daysOverdue >= 30

FIRE RULE:
  currentLevel > 0
  AND reminderLevel < currentLevel
  AND (lastReminderSent absent OR now - lastReminderSent >= 24h)

  On fire: reminderLevel = currentLevel (the highest crossed threshold,
  not +1) and lastReminderSent = now. Each level fires at most once and
  never twice within 24h. A subscription at level 3 stays silent until a
  payment advances NextDueDate and resets the level.

ORDER:
  SendOverdueReminders always runs UpdateOverdueStatus first. Threshold
  math recomputes daysOverdue and never trusts the cached flag.

SEE ALSO:
  - reminders.go: Pre-due reminders (separate path, no escalation memory)
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/notify"
)

// EscalationThresholds are days overdue for levels 1..3.
var EscalationThresholds = [...]int{7, 14, 30}

// ReminderCooldown is the minimum gap between two overdue reminders.
const ReminderCooldown = 24 * time.Hour

// LevelFor returns the highest threshold index (1-based) crossed by daysOverdue.
func LevelFor(daysOverdue int) int {
	level := 0
	for i, threshold := range EscalationThresholds {
		if daysOverdue >= threshold {
			level = i + 1
		}
	}
	return level
}

// EscalationDecision explains whether a reminder fires now.
type EscalationDecision struct {
	DaysOverdue  int
	CurrentLevel int
	Fire         bool
	Reason       string
}

// EvaluateEscalation applies the fire rule. today is the tenant-local date;
// now is the instant used for the 24h cooldown.
func EvaluateEscalation(sub ledger.Subscription, today ledger.Date, now time.Time) EscalationDecision {
	d := EscalationDecision{DaysOverdue: sub.DaysOverdue(today)}
	d.CurrentLevel = LevelFor(d.DaysOverdue)

	switch {
	case !sub.IsActive:
		d.Reason = "inactive"
	case d.CurrentLevel == 0:
		d.Reason = "below first threshold"
	case sub.ReminderLevel >= d.CurrentLevel:
		d.Reason = fmt.Sprintf("level %d already delivered", sub.ReminderLevel)
	case sub.LastReminderSent != nil && now.Sub(*sub.LastReminderSent) < ReminderCooldown:
		d.Reason = "reminder sent within 24h"
	default:
		d.Fire = true
	}
	return d
}

// SendOverdueReminders refreshes overdue flags, then sends every reminder
// the fire rule allows.
func (s *Service) SendOverdueReminders(ctx context.Context, tenant ledger.TenantID, now time.Time) (BatchResult, error) {
	if _, err := s.UpdateOverdueStatus(ctx, tenant, now); err != nil {
		return BatchResult{}, err
	}

	settings, err := s.settingsFor(ctx, tenant)
	if err != nil {
		return BatchResult{}, err
	}
	today := settings.Today(now)
	cutoff := today.AddDays(-EscalationThresholds[0])

	overdue, err := s.store.ListSubscriptions(ctx, ledger.SubscriptionFilter{
		TenantID:      tenant,
		ActiveOnly:    true,
		DueOnOrBefore: &cutoff,
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("list overdue subscriptions: %w", err)
	}

	result := s.forEach(ctx, overdue, func(ctx context.Context, sub ledger.Subscription) error {
		return s.remindOverdue(ctx, settings, sub, today, now)
	})

	s.log.Info().
		Str("tenant_id", string(tenant)).
		Int("candidates", len(overdue)).
		Int("sent", result.Processed).
		Int("failed", result.Failed).
		Msg("overdue reminders processed")
	return result, nil
}

func (s *Service) remindOverdue(ctx context.Context, settings ledger.AutomationSettings, sub ledger.Subscription, today ledger.Date, now time.Time) error {
	decision := EvaluateEscalation(sub, today, now)
	if !decision.Fire {
		return ErrNothingToDo
	}

	family, err := s.familyFor(ctx, sub)
	if err != nil {
		return err
	}
	msg, err := s.templates.Render(notify.KindOverdue, notify.TemplateData{
		RecipientName: family.Name,
		Amount:        sub.Amount.StringFixed(ledger.MinorUnitScale),
		DueDate:       sub.NextDueDate.String(),
		DaysOverdue:   decision.DaysOverdue,
		Level:         decision.CurrentLevel,
	})
	if err != nil {
		return err
	}

	if _, err := s.dispatcher.Deliver(ctx, sub.TenantID, notify.ChannelsFor(settings), notify.FamilyRecipient(family), notify.KindOverdue, msg); err != nil {
		return err
	}

	sentAt := now.UTC()
	err = s.mutateSubscription(ctx, s.store, sub.TenantID, sub.ID, func(cur *ledger.Subscription) bool {
		if cur.ReminderLevel >= decision.CurrentLevel {
			return false
		}
		cur.ReminderLevel = decision.CurrentLevel
		cur.LastReminderSent = &sentAt
		return true
	})
	if err != nil {
		return fmt.Errorf("record reminder level %d: %w", decision.CurrentLevel, err)
	}

	log := s.itemLog(sub)
	log.Info().
		Int("level", decision.CurrentLevel).
		Int("days_overdue", decision.DaysOverdue).
		Msg("overdue reminder sent")
	return nil
}

// UpdateOverdueStatus refreshes IsOverdue for all active subscriptions of
// the tenant. A subscription that is current again also drops its
// reminder level.
func (s *Service) UpdateOverdueStatus(ctx context.Context, tenant ledger.TenantID, now time.Time) (BatchResult, error) {
	settings, err := s.settingsFor(ctx, tenant)
	if err != nil {
		return BatchResult{}, err
	}
	today := settings.Today(now)

	active, err := s.store.ListSubscriptions(ctx, ledger.SubscriptionFilter{TenantID: tenant, ActiveOnly: true})
	if err != nil {
		return BatchResult{}, fmt.Errorf("list active subscriptions: %w", err)
	}

	return s.forEach(ctx, active, func(ctx context.Context, sub ledger.Subscription) error {
		overdue := sub.DaysOverdue(today) > 0
		reset := !overdue && sub.ReminderLevel > 0
		if sub.IsOverdue == overdue && !reset {
			return ErrNothingToDo
		}
		return s.mutateSubscription(ctx, s.store, sub.TenantID, sub.ID, func(cur *ledger.Subscription) bool {
			cur.IsOverdue = cur.DaysOverdue(today) > 0
			if !cur.IsOverdue && cur.ReminderLevel > 0 {
				cur.ReminderLevel = 0
				cur.LastReminderSent = nil
			}
			return true
		})
	}), nil
}
