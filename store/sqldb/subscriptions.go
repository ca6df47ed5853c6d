package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/ledger"
)

// =============================================================================
// SUBSCRIPTIONS (ledger.SubscriptionStore)
// =============================================================================

const subscriptionColumns = `id, tenant_id, family_id, member_id, instrument_ref, method, amount,
	frequency, billing_day, next_due_date, is_active, is_overdue, reminder_level,
	last_reminder_sent, last_upcoming_reminder, failure_count, last_failure, version,
	created_at, updated_at, canceled_at`

// CreateSubscription inserts a new schedule. The partial unique index
// rejects a second active schedule for the same (family, instrument).
func (c *conn) CreateSubscription(ctx context.Context, s ledger.Subscription) error {
	if s.Version == 0 {
		s.Version = 1
	}
	_, err := c.exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.FamilyID, nullString(string(s.MemberID)), s.InstrumentRef, s.Method,
		s.Amount.String(), s.Frequency, s.BillingDay, s.NextDueDate.String(), s.IsActive, s.IsOverdue,
		s.ReminderLevel, nullTime(s.LastReminderSent), nullDate(s.LastUpcomingReminder), s.FailureCount,
		nullString(s.LastFailure), s.Version, formatTime(s.CreatedAt), formatTime(s.UpdatedAt), nullTime(s.CanceledAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if violatesActiveSubscription(err) {
				return ledger.ErrActiveSubscriptionExists
			}
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (c *conn) GetSubscription(ctx context.Context, tenant ledger.TenantID, id ledger.SubscriptionID) (*ledger.Subscription, error) {
	row := c.queryRow(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ? AND tenant_id = ?", id, tenant)
	s, err := scanSubscription(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &s, nil
}

// ListSubscriptions returns matching schedules ordered by due date, then id.
func (c *conn) ListSubscriptions(ctx context.Context, f ledger.SubscriptionFilter) ([]ledger.Subscription, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, f.FamilyID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}
	if f.DueOnOrBefore != nil {
		where = append(where, "next_due_date <= ?")
		args = append(args, f.DueOnOrBefore.String())
	}

	rows, err := c.query(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+
		strings.Join(where, " AND ")+" ORDER BY next_due_date ASC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []ledger.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// UpdateSubscription writes s if the stored version still equals s.Version
// and bumps the version.
func (c *conn) UpdateSubscription(ctx context.Context, s ledger.Subscription) error {
	res, err := c.exec(ctx, `
		UPDATE subscriptions SET
			member_id = ?, instrument_ref = ?, method = ?, amount = ?, frequency = ?, billing_day = ?,
			next_due_date = ?, is_active = ?, is_overdue = ?, reminder_level = ?,
			last_reminder_sent = ?, last_upcoming_reminder = ?, failure_count = ?, last_failure = ?,
			version = version + 1, updated_at = ?, canceled_at = ?
		WHERE id = ? AND tenant_id = ? AND version = ?
	`,
		nullString(string(s.MemberID)), s.InstrumentRef, s.Method, s.Amount.String(), s.Frequency, s.BillingDay,
		s.NextDueDate.String(), s.IsActive, s.IsOverdue, s.ReminderLevel,
		nullTime(s.LastReminderSent), nullDate(s.LastUpcomingReminder), s.FailureCount, nullString(s.LastFailure),
		formatTime(s.UpdatedAt), nullTime(s.CanceledAt),
		s.ID, s.TenantID, s.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) && violatesActiveSubscription(err) {
			return ledger.ErrActiveSubscriptionExists
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := c.GetSubscription(ctx, s.TenantID, s.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return &ledger.NotFoundError{Resource: "subscription", ID: string(s.ID)}
	}
	return ledger.ErrConcurrentModification
}

func scanSubscription(scan func(...any) error) (ledger.Subscription, error) {
	var (
		s                          ledger.Subscription
		memberID, lastFailure      sql.NullString
		lastReminder, lastUpcoming sql.NullString
		canceledAt                 sql.NullString
		amount, nextDue            string
		createdAt, updatedAt       string
	)
	err := scan(&s.ID, &s.TenantID, &s.FamilyID, &memberID, &s.InstrumentRef, &s.Method, &amount,
		&s.Frequency, &s.BillingDay, &nextDue, &s.IsActive, &s.IsOverdue, &s.ReminderLevel,
		&lastReminder, &lastUpcoming, &s.FailureCount, &lastFailure, &s.Version,
		&createdAt, &updatedAt, &canceledAt)
	if err != nil {
		return s, err
	}

	s.MemberID = ledger.MemberID(memberID.String)
	s.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return s, fmt.Errorf("subscription %s: bad amount %q: %w", s.ID, amount, err)
	}
	s.NextDueDate = parseDate(nextDue)
	s.LastReminderSent = scanNullTime(lastReminder)
	if lastUpcoming.Valid {
		d := parseDate(lastUpcoming.String)
		s.LastUpcomingReminder = &d
	}
	s.LastFailure = lastFailure.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.CanceledAt = scanNullTime(canceledAt)
	return s, nil
}

func nullDate(d *ledger.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
