package sqldb

import (
	"context"
	"fmt"
)

// schema is portable between SQLite and PostgreSQL. Statements run one at
// a time because pgx does not accept multi-statement Exec with arguments.
var schema = []string{
	// Events (append-only ledger)
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		family_id TEXT NOT NULL,
		member_id TEXT,
		amount TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		effective_at TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		payment_type TEXT,
		payment_method TEXT,
		subscription_id TEXT,
		processor_tx_id TEXT,
		refunded_amount TEXT,
		description TEXT,
		event_type TEXT,
		created_at TEXT NOT NULL
	)`,
	// Balance and statement windows (hot path)
	`CREATE INDEX IF NOT EXISTS idx_events_family_date
		ON events(tenant_id, family_id, effective_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_member_date
		ON events(tenant_id, member_id, effective_at)`,

	`CREATE TABLE IF NOT EXISTS families (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		email_opt_in BOOLEAN NOT NULL DEFAULT FALSE,
		sms_opt_in BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS members (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		family_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS statements (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		number TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		from_date TEXT NOT NULL,
		to_date TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		income TEXT NOT NULL,
		withdrawals TEXT NOT NULL,
		expenses TEXT NOT NULL,
		closing_balance TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		UNIQUE(tenant_id, subject_type, subject_id, sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS statement_sequences (
		tenant_id TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		value BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, subject_type, subject_id)
	)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		family_id TEXT NOT NULL,
		member_id TEXT,
		instrument_ref TEXT NOT NULL,
		method TEXT NOT NULL,
		amount TEXT NOT NULL,
		frequency TEXT NOT NULL,
		billing_day INTEGER NOT NULL,
		next_due_date TEXT NOT NULL,
		is_active BOOLEAN NOT NULL,
		is_overdue BOOLEAN NOT NULL DEFAULT FALSE,
		reminder_level INTEGER NOT NULL DEFAULT 0,
		last_reminder_sent TEXT,
		last_upcoming_reminder TEXT,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_failure TEXT,
		version BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		canceled_at TEXT
	)`,
	// CRITICAL: at most one active schedule per (family, instrument)
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_active
		ON subscriptions(tenant_id, family_id, instrument_ref) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_due
		ON subscriptions(tenant_id, is_active, next_due_date)`,

	`CREATE TABLE IF NOT EXISTS charge_attempts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		due_date TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL,
		transaction_id TEXT,
		status TEXT NOT NULL,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(subscription_id, due_date, sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS automation_settings (
		tenant_id TEXT PRIMARY KEY,
		enable_monthly_payments BOOLEAN NOT NULL DEFAULT FALSE,
		enable_payment_reminders BOOLEAN NOT NULL DEFAULT FALSE,
		enable_overdue_reminders BOOLEAN NOT NULL DEFAULT FALSE,
		enable_lifecycle_conversion BOOLEAN NOT NULL DEFAULT FALSE,
		enable_task_notifications BOOLEAN NOT NULL DEFAULT FALSE,
		enable_monthly_statements BOOLEAN NOT NULL DEFAULT FALSE,
		enable_email BOOLEAN NOT NULL DEFAULT TRUE,
		enable_sms BOOLEAN NOT NULL DEFAULT FALSE,
		reminder_days_before TEXT NOT NULL DEFAULT '[]',
		timezone TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS lifecycle_bookings (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		family_id TEXT NOT NULL,
		member_id TEXT,
		event_type TEXT NOT NULL,
		event_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		charge_id TEXT,
		converted_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_pending
		ON lifecycle_bookings(tenant_id, event_date) WHERE converted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL,
		assignee_name TEXT,
		assignee_email TEXT,
		due_date TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		notified_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due
		ON tasks(tenant_id, due_date)`,
}

// migrate creates the database schema.
func (s *DB) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
