package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/notify"
)

// NotifyDueTasks emails the assignee of every open task that has come due
// and marks it notified. Tasks without an assignee email are skipped.
func (o *Orchestrator) NotifyDueTasks(ctx context.Context, settings ledger.AutomationSettings, now time.Time) (billing.BatchResult, error) {
	today := settings.Today(now)
	tasks, err := o.store.DueTasks(ctx, settings.TenantID, today)
	if err != nil {
		return billing.BatchResult{}, fmt.Errorf("list due tasks: %w", err)
	}

	var result billing.BatchResult
	for _, t := range tasks {
		err := o.notifyTask(ctx, settings, t, now)
		result.Record(billing.ItemFailure{RecordID: t.ID}, err)
	}
	return result, nil
}

func (o *Orchestrator) notifyTask(ctx context.Context, settings ledger.AutomationSettings, t ledger.Task, now time.Time) error {
	if t.AssigneeEmail == "" {
		return &ledger.ConfigurationError{TenantID: t.TenantID, Reason: "task " + t.ID + " has no assignee email"}
	}

	msg, err := o.templates.Render(notify.KindTaskDue, notify.TemplateData{
		RecipientName: t.AssigneeName,
		DueDate:       t.DueDate.String(),
		TaskTitle:     t.Title,
	})
	if err != nil {
		return err
	}

	recipient := notify.Recipient{Name: t.AssigneeName, Email: t.AssigneeEmail, EmailOptIn: true}
	channels := notify.Channels{Email: settings.EnableEmail}
	if _, err := o.dispatcher.Deliver(ctx, t.TenantID, channels, recipient, notify.KindTaskDue, msg); err != nil {
		return err
	}

	notifiedAt := now.UTC()
	t.NotifiedAt = &notifiedAt
	if err := o.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("mark task %s notified: %w", t.ID, err)
	}
	return nil
}
