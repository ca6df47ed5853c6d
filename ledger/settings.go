package ledger

import (
	"time"
)

// =============================================================================
// AUTOMATION SETTINGS - Per-tenant job flags
// =============================================================================

// AutomationSettings gate each automated job for one tenant.
type AutomationSettings struct {
	TenantID TenantID

	EnableMonthlyPayments     bool
	EnablePaymentReminders    bool // pre-due reminders
	EnableOverdueReminders    bool
	EnableLifecycleConversion bool
	EnableTaskNotifications   bool
	EnableMonthlyStatements   bool

	// Notification channels available to the tenant.
	EnableEmail bool
	EnableSMS   bool

	// ReminderDaysBefore lists pre-due lead times in days, in priority order.
	ReminderDaysBefore []int

	// Timezone is an IANA zone name; "" means UTC.
	Timezone string

	UpdatedAt time.Time
}

// DefaultAutomationSettings returns settings for a tenant that never
// configured automation: every job off, email available.
func DefaultAutomationSettings(tenant TenantID) AutomationSettings {
	return AutomationSettings{
		TenantID:           tenant,
		EnableEmail:        true,
		ReminderDaysBefore: []int{3, 1},
	}
}

// AnyEnabled reports whether at least one job flag is on.
func (s AutomationSettings) AnyEnabled() bool {
	return s.EnableMonthlyPayments ||
		s.EnablePaymentReminders ||
		s.EnableOverdueReminders ||
		s.EnableLifecycleConversion ||
		s.EnableTaskNotifications ||
		s.EnableMonthlyStatements
}

// Location resolves Timezone, falling back to UTC on an unknown zone.
func (s AutomationSettings) Location() *time.Location {
	loc, err := LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Today returns the tenant-local calendar date of now.
func (s AutomationSettings) Today(now time.Time) Date {
	return DateOf(now, s.Location())
}

// Validate rejects unusable settings.
func (s AutomationSettings) Validate() error {
	if s.TenantID == "" {
		return &InvalidInputError{Field: "tenant_id", Reason: "required"}
	}
	if _, err := LoadLocation(s.Timezone); err != nil {
		return err
	}
	for _, d := range s.ReminderDaysBefore {
		if d <= 0 {
			return &InvalidInputError{Field: "reminder_days_before", Reason: "lead times must be positive"}
		}
	}
	return nil
}
