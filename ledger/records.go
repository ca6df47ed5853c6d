package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULED RECORDS - Inputs to the lifecycle and task automation jobs
// =============================================================================

// LifecycleBooking is a catalog event booked ahead of time. Once its date
// arrives it is converted into exactly one LifecycleCharge.
type LifecycleBooking struct {
	ID          string
	TenantID    TenantID
	FamilyID    FamilyID
	MemberID    MemberID
	EventType   string
	EventDate   Date
	Amount      decimal.Decimal
	ChargeID    EventID // set on conversion
	ConvertedAt *time.Time
	CreatedAt   time.Time
}

// ConversionKey is the idempotency key of the charge created for the booking.
func (b LifecycleBooking) ConversionKey() string {
	return "lifecycle-" + b.ID
}

// Task is an operator to-do with a due date and an assignee to notify.
type Task struct {
	ID            string
	TenantID      TenantID
	Title         string
	AssigneeName  string
	AssigneeEmail string
	DueDate       Date
	Completed     bool
	NotifiedAt    *time.Time
	CreatedAt     time.Time
}
