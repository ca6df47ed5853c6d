/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts travel as
  decimal strings ("180.00"), calendar dates as YYYY-MM-DD and instants
  as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the domain, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// DIRECTORY
// =============================================================================

type CreateFamilyRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	EmailOptIn bool   `json:"email_opt_in"`
	SMSOptIn   bool   `json:"sms_opt_in"`
}

type FamilyDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	EmailOptIn bool   `json:"email_opt_in"`
	SMSOptIn   bool   `json:"sms_opt_in"`
}

type CreateMemberRequest struct {
	ID       string `json:"id"`
	FamilyID string `json:"family_id"`
	Name     string `json:"name"`
}

type MemberDTO struct {
	ID       string `json:"id"`
	FamilyID string `json:"family_id"`
	Name     string `json:"name"`
}

// =============================================================================
// BALANCES / LEDGER ENTRIES
// =============================================================================

type BalanceDTO struct {
	SubjectType     string `json:"subject_type"`
	SubjectID       string `json:"subject_id"`
	AsOf            string `json:"as_of"`
	Balance         string `json:"balance"`
	IncomeTotal     string `json:"income_total"`
	WithdrawalTotal string `json:"withdrawal_total"`
}

func toBalanceDTO(b ledger.BalanceResult) BalanceDTO {
	return BalanceDTO{
		SubjectType:     string(b.Subject.Type),
		SubjectID:       b.Subject.ID,
		AsOf:            b.AsOf.Format(time.RFC3339),
		Balance:         money(b.Balance),
		IncomeTotal:     money(b.IncomeTotal),
		WithdrawalTotal: money(b.WithdrawalTotal),
	}
}

// PaymentRequest records a manual payment. Date defaults to now.
type PaymentRequest struct {
	MemberID       string          `json:"member_id"`
	Amount         decimal.Decimal `json:"amount"`
	Date           *time.Time      `json:"date"`
	Type           string          `json:"type"`
	Method         string          `json:"method"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type WithdrawalRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Date           *time.Time      `json:"date"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type LifecycleChargeRequest struct {
	MemberID       string          `json:"member_id"`
	Amount         decimal.Decimal `json:"amount"`
	Date           *time.Time      `json:"date"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// EventDTO is a ledger event of any kind.
type EventDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	FamilyID    string `json:"family_id"`
	MemberID    string `json:"member_id,omitempty"`
	Amount      string `json:"amount"`
	EffectiveAt string `json:"effective_at"`
	Detail      string `json:"detail,omitempty"`
}

func toEventDTO(e ledger.Event) EventDTO {
	h := e.Header()
	dto := EventDTO{
		ID:          string(h.ID),
		Kind:        string(e.Kind()),
		FamilyID:    string(h.FamilyID),
		MemberID:    string(h.MemberID),
		Amount:      money(h.Amount),
		EffectiveAt: e.EffectiveAt().Format(time.RFC3339),
	}
	switch v := e.(type) {
	case ledger.Payment:
		dto.Detail = string(v.Type) + "/" + string(v.Method)
	case ledger.Withdrawal:
		dto.Detail = v.Description
	case ledger.LifecycleCharge:
		dto.Detail = v.EventType
	}
	return dto
}

// =============================================================================
// STATEMENTS
// =============================================================================

type GenerateStatementRequest struct {
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
}

type StatementDTO struct {
	ID             string `json:"id"`
	Number         string `json:"number"`
	SubjectType    string `json:"subject_type"`
	SubjectID      string `json:"subject_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	OpeningBalance string `json:"opening_balance"`
	Income         string `json:"income"`
	Withdrawals    string `json:"withdrawals"`
	Expenses       string `json:"expenses"`
	ClosingBalance string `json:"closing_balance"`
	GeneratedAt    string `json:"generated_at"`
}

func toStatementDTO(st ledger.Statement) StatementDTO {
	return StatementDTO{
		ID:             string(st.ID),
		Number:         st.Number,
		SubjectType:    string(st.SubjectType),
		SubjectID:      st.SubjectID,
		From:           st.FromDate.Format(time.RFC3339Nano),
		To:             st.ToDate.Format(time.RFC3339Nano),
		OpeningBalance: money(st.OpeningBalance),
		Income:         money(st.Income),
		Withdrawals:    money(st.Withdrawals),
		Expenses:       money(st.Expenses),
		ClosingBalance: money(st.ClosingBalance),
		GeneratedAt:    st.GeneratedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

type CreateSubscriptionRequest struct {
	ID            string          `json:"id"`
	FamilyID      string          `json:"family_id"`
	MemberID      string          `json:"member_id"`
	InstrumentRef string          `json:"instrument_ref"`
	Method        string          `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	NextDueDate   string          `json:"next_due_date"`
}

type SubscriptionDTO struct {
	ID            string `json:"id"`
	FamilyID      string `json:"family_id"`
	MemberID      string `json:"member_id,omitempty"`
	InstrumentRef string `json:"instrument_ref"`
	Method        string `json:"method"`
	Amount        string `json:"amount"`
	Frequency     string `json:"frequency"`
	BillingDay    int    `json:"billing_day"`
	NextDueDate   string `json:"next_due_date"`
	IsActive      bool   `json:"is_active"`
	IsOverdue     bool   `json:"is_overdue"`
	ReminderLevel int    `json:"reminder_level"`
	FailureCount  int    `json:"failure_count"`
	LastFailure   string `json:"last_failure,omitempty"`
	Version       int64  `json:"version"`
	CanceledAt    string `json:"canceled_at,omitempty"`
}

func toSubscriptionDTO(s ledger.Subscription) SubscriptionDTO {
	dto := SubscriptionDTO{
		ID:            string(s.ID),
		FamilyID:      string(s.FamilyID),
		MemberID:      string(s.MemberID),
		InstrumentRef: s.InstrumentRef,
		Method:        string(s.Method),
		Amount:        money(s.Amount),
		Frequency:     string(s.Frequency),
		BillingDay:    s.BillingDay,
		NextDueDate:   s.NextDueDate.String(),
		IsActive:      s.IsActive,
		IsOverdue:     s.IsOverdue,
		ReminderLevel: s.ReminderLevel,
		FailureCount:  s.FailureCount,
		LastFailure:   s.LastFailure,
		Version:       s.Version,
	}
	if s.CanceledAt != nil {
		dto.CanceledAt = s.CanceledAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// AUTOMATION SETTINGS
// =============================================================================

// AutomationSettingsDTO is both the GET response and the PUT body.
type AutomationSettingsDTO struct {
	EnableMonthlyPayments     bool   `json:"enable_monthly_payments"`
	EnablePaymentReminders    bool   `json:"enable_payment_reminders"`
	EnableOverdueReminders    bool   `json:"enable_overdue_reminders"`
	EnableLifecycleConversion bool   `json:"enable_lifecycle_conversion"`
	EnableTaskNotifications   bool   `json:"enable_task_notifications"`
	EnableMonthlyStatements   bool   `json:"enable_monthly_statements"`
	EnableEmail               bool   `json:"enable_email"`
	EnableSMS                 bool   `json:"enable_sms"`
	ReminderDaysBefore        []int  `json:"reminder_days_before"`
	Timezone                  string `json:"timezone"`
}

func toSettingsDTO(s ledger.AutomationSettings) AutomationSettingsDTO {
	days := s.ReminderDaysBefore
	if days == nil {
		days = []int{}
	}
	return AutomationSettingsDTO{
		EnableMonthlyPayments:     s.EnableMonthlyPayments,
		EnablePaymentReminders:    s.EnablePaymentReminders,
		EnableOverdueReminders:    s.EnableOverdueReminders,
		EnableLifecycleConversion: s.EnableLifecycleConversion,
		EnableTaskNotifications:   s.EnableTaskNotifications,
		EnableMonthlyStatements:   s.EnableMonthlyStatements,
		EnableEmail:               s.EnableEmail,
		EnableSMS:                 s.EnableSMS,
		ReminderDaysBefore:        days,
		Timezone:                  s.Timezone,
	}
}

func (d AutomationSettingsDTO) toSettings(tenant ledger.TenantID) ledger.AutomationSettings {
	return ledger.AutomationSettings{
		TenantID:                  tenant,
		EnableMonthlyPayments:     d.EnableMonthlyPayments,
		EnablePaymentReminders:    d.EnablePaymentReminders,
		EnableOverdueReminders:    d.EnableOverdueReminders,
		EnableLifecycleConversion: d.EnableLifecycleConversion,
		EnableTaskNotifications:   d.EnableTaskNotifications,
		EnableMonthlyStatements:   d.EnableMonthlyStatements,
		EnableEmail:               d.EnableEmail,
		EnableSMS:                 d.EnableSMS,
		ReminderDaysBefore:        d.ReminderDaysBefore,
		Timezone:                  d.Timezone,
	}
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	TenantID   string `json:"tenant_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MinorUnitScale)
}
