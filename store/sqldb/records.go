package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/ledger"
)

// =============================================================================
// DIRECTORY (ledger.Directory)
// =============================================================================

func (c *conn) SaveFamily(ctx context.Context, f ledger.Family) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `
		INSERT INTO families (id, tenant_id, name, email, phone, email_opt_in, sms_opt_in, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			email_opt_in = excluded.email_opt_in,
			sms_opt_in = excluded.sms_opt_in
	`, f.ID, f.TenantID, f.Name, nullString(f.Email), nullString(f.Phone), f.EmailOptIn, f.SMSOptIn, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save family: %w", err)
	}
	return nil
}

const familyColumns = "id, tenant_id, name, email, phone, email_opt_in, sms_opt_in, created_at"

func scanFamily(scan func(...any) error) (ledger.Family, error) {
	var (
		f            ledger.Family
		email, phone sql.NullString
		createdAt    string
	)
	if err := scan(&f.ID, &f.TenantID, &f.Name, &email, &phone, &f.EmailOptIn, &f.SMSOptIn, &createdAt); err != nil {
		return f, err
	}
	f.Email = email.String
	f.Phone = phone.String
	f.CreatedAt = parseTime(createdAt)
	return f, nil
}

func (c *conn) GetFamily(ctx context.Context, tenant ledger.TenantID, id ledger.FamilyID) (*ledger.Family, error) {
	row := c.queryRow(ctx, "SELECT "+familyColumns+" FROM families WHERE id = ? AND tenant_id = ?", id, tenant)
	f, err := scanFamily(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get family: %w", err)
	}
	return &f, nil
}

func (c *conn) ListFamilies(ctx context.Context, tenant ledger.TenantID) ([]ledger.Family, error) {
	rows, err := c.query(ctx, "SELECT "+familyColumns+" FROM families WHERE tenant_id = ? ORDER BY id", tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	defer rows.Close()

	var families []ledger.Family
	for rows.Next() {
		f, err := scanFamily(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan family: %w", err)
		}
		families = append(families, f)
	}
	return families, rows.Err()
}

func (c *conn) SaveMember(ctx context.Context, m ledger.Member) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `
		INSERT INTO members (id, tenant_id, family_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET family_id = excluded.family_id, name = excluded.name
	`, m.ID, m.TenantID, m.FamilyID, m.Name, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (c *conn) GetMember(ctx context.Context, tenant ledger.TenantID, id ledger.MemberID) (*ledger.Member, error) {
	var (
		m         ledger.Member
		createdAt string
	)
	err := c.queryRow(ctx,
		"SELECT id, tenant_id, family_id, name, created_at FROM members WHERE id = ? AND tenant_id = ?",
		id, tenant,
	).Scan(&m.ID, &m.TenantID, &m.FamilyID, &m.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// =============================================================================
// STATEMENTS (ledger.StatementStore)
// =============================================================================

// NextStatementSequence atomically increments the subject's counter.
func (c *conn) NextStatementSequence(ctx context.Context, subject ledger.Subject) (int64, error) {
	var value int64
	err := c.queryRow(ctx, `
		INSERT INTO statement_sequences (tenant_id, subject_type, subject_id, value)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (tenant_id, subject_type, subject_id)
		DO UPDATE SET value = statement_sequences.value + 1
		RETURNING value
	`, subject.TenantID, subject.Type, subject.ID).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate statement sequence: %w", err)
	}
	return value, nil
}

func (c *conn) SaveStatement(ctx context.Context, st ledger.Statement) error {
	_, err := c.exec(ctx, `
		INSERT INTO statements (id, tenant_id, subject_type, subject_id, number, sequence,
			from_date, to_date, opening_balance, income, withdrawals, expenses, closing_balance, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.TenantID, st.SubjectType, st.SubjectID, st.Number, st.Sequence,
		formatTime(st.FromDate), formatTime(st.ToDate),
		st.OpeningBalance.String(), st.Income.String(), st.Withdrawals.String(),
		st.Expenses.String(), st.ClosingBalance.String(), formatTime(st.GeneratedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("statement %s: %w", st.Number, ledger.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to save statement: %w", err)
	}
	return nil
}

func (c *conn) ListStatements(ctx context.Context, subject ledger.Subject) ([]ledger.Statement, error) {
	rows, err := c.query(ctx, `
		SELECT id, tenant_id, subject_type, subject_id, number, sequence, from_date, to_date,
		       opening_balance, income, withdrawals, expenses, closing_balance, generated_at
		FROM statements
		WHERE tenant_id = ? AND subject_type = ? AND subject_id = ?
		ORDER BY sequence ASC
	`, subject.TenantID, subject.Type, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list statements: %w", err)
	}
	defer rows.Close()

	var statements []ledger.Statement
	for rows.Next() {
		var st ledger.Statement
		var from, to, generated string
		var opening, income, withdrawals, expenses, closing string
		err := rows.Scan(&st.ID, &st.TenantID, &st.SubjectType, &st.SubjectID, &st.Number, &st.Sequence,
			&from, &to, &opening, &income, &withdrawals, &expenses, &closing, &generated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan statement: %w", err)
		}
		st.FromDate = parseTime(from)
		st.ToDate = parseTime(to)
		st.GeneratedAt = parseTime(generated)
		st.OpeningBalance = decimal.RequireFromString(opening)
		st.Income = decimal.RequireFromString(income)
		st.Withdrawals = decimal.RequireFromString(withdrawals)
		st.Expenses = decimal.RequireFromString(expenses)
		st.ClosingBalance = decimal.RequireFromString(closing)
		statements = append(statements, st)
	}
	return statements, rows.Err()
}

// =============================================================================
// CHARGE ATTEMPTS (ledger.AttemptStore)
// =============================================================================

func (c *conn) LatestAttempt(ctx context.Context, id ledger.SubscriptionID, due ledger.Date) (*ledger.ChargeAttempt, error) {
	var (
		a                  ledger.ChargeAttempt
		dueDate            string
		txID, errMsg       sql.NullString
		createdAt, updated string
	)
	err := c.queryRow(ctx, `
		SELECT id, tenant_id, subscription_id, due_date, sequence, idempotency_key,
		       transaction_id, status, error, created_at, updated_at
		FROM charge_attempts
		WHERE subscription_id = ? AND due_date = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, id, due.String()).Scan(&a.ID, &a.TenantID, &a.SubscriptionID, &dueDate, &a.Sequence,
		&a.IdempotencyKey, &txID, &a.Status, &errMsg, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load charge attempt: %w", err)
	}
	a.DueDate = parseDate(dueDate)
	a.TransactionID = txID.String
	a.Error = errMsg.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func (c *conn) SaveAttempt(ctx context.Context, a ledger.ChargeAttempt) error {
	_, err := c.exec(ctx, `
		INSERT INTO charge_attempts (id, tenant_id, subscription_id, due_date, sequence, idempotency_key,
			transaction_id, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			transaction_id = excluded.transaction_id,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, a.ID, a.TenantID, a.SubscriptionID, a.DueDate.String(), a.Sequence, a.IdempotencyKey,
		nullString(a.TransactionID), a.Status, nullString(a.Error), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save charge attempt: %w", err)
	}
	return nil
}

// =============================================================================
// AUTOMATION SETTINGS (ledger.SettingsStore)
// =============================================================================

const settingsColumns = `tenant_id, enable_monthly_payments, enable_payment_reminders,
	enable_overdue_reminders, enable_lifecycle_conversion, enable_task_notifications,
	enable_monthly_statements, enable_email, enable_sms, reminder_days_before, timezone, updated_at`

func scanSettings(scan func(...any) error) (ledger.AutomationSettings, error) {
	var s ledger.AutomationSettings
	var days, updated string
	err := scan(&s.TenantID, &s.EnableMonthlyPayments, &s.EnablePaymentReminders,
		&s.EnableOverdueReminders, &s.EnableLifecycleConversion, &s.EnableTaskNotifications,
		&s.EnableMonthlyStatements, &s.EnableEmail, &s.EnableSMS, &days, &s.Timezone, &updated)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(days), &s.ReminderDaysBefore); err != nil {
		return s, fmt.Errorf("tenant %s: bad reminder_days_before: %w", s.TenantID, err)
	}
	s.UpdatedAt = parseTime(updated)
	return s, nil
}

func (c *conn) GetAutomationSettings(ctx context.Context, tenant ledger.TenantID) (*ledger.AutomationSettings, error) {
	row := c.queryRow(ctx, "SELECT "+settingsColumns+" FROM automation_settings WHERE tenant_id = ?", tenant)
	s, err := scanSettings(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation settings: %w", err)
	}
	return &s, nil
}

func (c *conn) ListAutomationSettings(ctx context.Context) ([]ledger.AutomationSettings, error) {
	rows, err := c.query(ctx, "SELECT "+settingsColumns+" FROM automation_settings ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list automation settings: %w", err)
	}
	defer rows.Close()

	var all []ledger.AutomationSettings
	for rows.Next() {
		s, err := scanSettings(rows.Scan)
		if err != nil {
			return nil, err
		}
		all = append(all, s)
	}
	return all, rows.Err()
}

func (c *conn) SaveAutomationSettings(ctx context.Context, s ledger.AutomationSettings) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	days := s.ReminderDaysBefore
	if days == nil {
		days = []int{}
	}
	daysJSON, err := json.Marshal(days)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `
		INSERT INTO automation_settings (`+settingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enable_monthly_payments = excluded.enable_monthly_payments,
			enable_payment_reminders = excluded.enable_payment_reminders,
			enable_overdue_reminders = excluded.enable_overdue_reminders,
			enable_lifecycle_conversion = excluded.enable_lifecycle_conversion,
			enable_task_notifications = excluded.enable_task_notifications,
			enable_monthly_statements = excluded.enable_monthly_statements,
			enable_email = excluded.enable_email,
			enable_sms = excluded.enable_sms,
			reminder_days_before = excluded.reminder_days_before,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at
	`, s.TenantID, s.EnableMonthlyPayments, s.EnablePaymentReminders, s.EnableOverdueReminders,
		s.EnableLifecycleConversion, s.EnableTaskNotifications, s.EnableMonthlyStatements,
		s.EnableEmail, s.EnableSMS, string(daysJSON), s.Timezone, formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save automation settings: %w", err)
	}
	return nil
}

// =============================================================================
// LIFECYCLE BOOKINGS (ledger.BookingStore)
// =============================================================================

func (c *conn) SaveBooking(ctx context.Context, b ledger.LifecycleBooking) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `
		INSERT INTO lifecycle_bookings (id, tenant_id, family_id, member_id, event_type, event_date,
			amount, charge_id, converted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			event_type = excluded.event_type,
			event_date = excluded.event_date,
			amount = excluded.amount,
			charge_id = excluded.charge_id,
			converted_at = excluded.converted_at
	`, b.ID, b.TenantID, b.FamilyID, nullString(string(b.MemberID)), b.EventType, b.EventDate.String(),
		b.Amount.String(), nullString(string(b.ChargeID)), nullTime(b.ConvertedAt), formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

func (c *conn) PendingBookings(ctx context.Context, tenant ledger.TenantID, onOrBefore ledger.Date) ([]ledger.LifecycleBooking, error) {
	rows, err := c.query(ctx, `
		SELECT id, tenant_id, family_id, member_id, event_type, event_date, amount, charge_id, converted_at, created_at
		FROM lifecycle_bookings
		WHERE tenant_id = ? AND converted_at IS NULL AND event_date <= ?
		ORDER BY id
	`, tenant, onOrBefore.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending bookings: %w", err)
	}
	defer rows.Close()

	var bookings []ledger.LifecycleBooking
	for rows.Next() {
		var (
			b                             ledger.LifecycleBooking
			memberID, chargeID, converted sql.NullString
			eventDate, amount, createdAt  string
		)
		err := rows.Scan(&b.ID, &b.TenantID, &b.FamilyID, &memberID, &b.EventType, &eventDate,
			&amount, &chargeID, &converted, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.MemberID = ledger.MemberID(memberID.String)
		b.EventDate = parseDate(eventDate)
		b.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("booking %s: bad amount %q: %w", b.ID, amount, err)
		}
		b.ChargeID = ledger.EventID(chargeID.String)
		b.ConvertedAt = scanNullTime(converted)
		b.CreatedAt = parseTime(createdAt)
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// =============================================================================
// TASKS (ledger.TaskStore)
// =============================================================================

func (c *conn) SaveTask(ctx context.Context, t ledger.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := c.exec(ctx, `
		INSERT INTO tasks (id, tenant_id, title, assignee_name, assignee_email, due_date, completed, notified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			assignee_name = excluded.assignee_name,
			assignee_email = excluded.assignee_email,
			due_date = excluded.due_date,
			completed = excluded.completed,
			notified_at = excluded.notified_at
	`, t.ID, t.TenantID, t.Title, nullString(t.AssigneeName), nullString(t.AssigneeEmail),
		t.DueDate.String(), t.Completed, nullTime(t.NotifiedAt), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (c *conn) DueTasks(ctx context.Context, tenant ledger.TenantID, onOrBefore ledger.Date) ([]ledger.Task, error) {
	rows, err := c.query(ctx, `
		SELECT id, tenant_id, title, assignee_name, assignee_email, due_date, completed, notified_at, created_at
		FROM tasks
		WHERE tenant_id = ? AND completed = ? AND notified_at IS NULL AND due_date <= ?
		ORDER BY id
	`, tenant, false, onOrBefore.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ledger.Task
	for rows.Next() {
		var (
			t                     ledger.Task
			name, email, notified sql.NullString
			dueDate, createdAt    string
		)
		err := rows.Scan(&t.ID, &t.TenantID, &t.Title, &name, &email, &dueDate, &t.Completed, &notified, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.AssigneeName = name.String
		t.AssigneeEmail = email.String
		t.DueDate = parseDate(dueDate)
		t.NotifiedAt = scanNullTime(notified)
		t.CreatedAt = parseTime(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
