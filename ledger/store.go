/*
store.go - Persistence interfaces for the dues engine

PURPOSE:
  Defines the boundary between the engine and the record store. The
  balance calculator, statement generator, billing scheduler and
  automation jobs depend only on these interfaces; SQLite, PostgreSQL and
  in-memory implementations live under store/.

KEY INTERFACES:
  EventStore:        Append-only ledger events (Payment, Withdrawal, LifecycleCharge)
  Directory:         Families and members (billing subjects)
  StatementStore:    Statements plus the atomic per-subject sequence
  SubscriptionStore: Recurring schedules with optimistic concurrency
  AttemptStore:      Charge attempt journal
  SettingsStore:     Per-tenant automation settings
  BookingStore:      Lifecycle bookings awaiting conversion
  TaskStore:         Tasks awaiting due-date notification
  Store:             All of the above
  TxStore:           Store + WithTx for atomic multi-table writes

APPEND-ONLY CONTRACT:
  EventStore has no Update or Delete. Corrections are new events.

IDEMPOTENCY:
  Every event may carry an idempotency key. Appending a key twice fails
  with ErrDuplicateIdempotencyKey, which callers treat as "already done".

LOOKUPS:
  Single-record getters return (nil, nil) when the record does not exist;
  callers decide whether that is a NotFound.

IMPLEMENTATIONS:
  - store/sqldb: SQLite and PostgreSQL
  - store/memory: In-memory for testing

SEE ALSO:
  - balance.go: Reads EventStore and Directory
  - statement.go: Uses TxStore for sequence + insert atomicity
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// EVENTS - append-only
// =============================================================================

// EventQuery filters ledger events. From/To are inclusive and optional.
type EventQuery struct {
	TenantID TenantID
	FamilyID FamilyID
	MemberID MemberID // when set, only events attached to this member
	Kinds    []EventKind
	From     *time.Time
	To       *time.Time
}

// Matches reports whether e satisfies the query. Stores without native
// filtering (memory) use it directly.
func (q EventQuery) Matches(e Event) bool {
	h := e.Header()
	if q.TenantID != "" && h.TenantID != q.TenantID {
		return false
	}
	if q.FamilyID != "" && h.FamilyID != q.FamilyID {
		return false
	}
	if q.MemberID != "" && h.MemberID != q.MemberID {
		return false
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if e.Kind() == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	at := e.EffectiveAt()
	if q.From != nil && at.Before(*q.From) {
		return false
	}
	if q.To != nil && at.After(*q.To) {
		return false
	}
	return true
}

type EventStore interface {
	// Append persists an event. Returns ErrDuplicateIdempotencyKey if the key exists.
	Append(ctx context.Context, e Event) error

	// Events returns matching events ordered by EffectiveAt.
	Events(ctx context.Context, q EventQuery) ([]Event, error)

	// Exists checks if an idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// DIRECTORY - billing subjects
// =============================================================================

type Directory interface {
	SaveFamily(ctx context.Context, f Family) error
	GetFamily(ctx context.Context, tenant TenantID, id FamilyID) (*Family, error)
	ListFamilies(ctx context.Context, tenant TenantID) ([]Family, error)
	SaveMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, tenant TenantID, id MemberID) (*Member, error)
}

// =============================================================================
// STATEMENTS
// =============================================================================

type StatementStore interface {
	// NextStatementSequence atomically increments and returns the subject's
	// statement counter. The first call for a subject returns 1.
	NextStatementSequence(ctx context.Context, subject Subject) (int64, error)
	SaveStatement(ctx context.Context, st Statement) error
	// ListStatements returns the subject's statements ordered by sequence.
	ListStatements(ctx context.Context, subject Subject) ([]Statement, error)
}

// =============================================================================
// SUBSCRIPTIONS / ATTEMPTS
// =============================================================================

type SubscriptionStore interface {
	// CreateSubscription returns ErrActiveSubscriptionExists when the family
	// already has an active subscription for the instrument.
	CreateSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, tenant TenantID, id SubscriptionID) (*Subscription, error)
	ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, error)
	// UpdateSubscription writes s if the stored version equals s.Version and
	// bumps the version. Otherwise returns ErrConcurrentModification.
	UpdateSubscription(ctx context.Context, s Subscription) error
}

type AttemptStore interface {
	// LatestAttempt returns the highest-sequence attempt for the cycle, or nil.
	LatestAttempt(ctx context.Context, id SubscriptionID, due Date) (*ChargeAttempt, error)
	// SaveAttempt inserts or updates by ID.
	SaveAttempt(ctx context.Context, a ChargeAttempt) error
}

// =============================================================================
// SETTINGS / SCHEDULED RECORDS
// =============================================================================

type SettingsStore interface {
	GetAutomationSettings(ctx context.Context, tenant TenantID) (*AutomationSettings, error)
	ListAutomationSettings(ctx context.Context) ([]AutomationSettings, error)
	SaveAutomationSettings(ctx context.Context, s AutomationSettings) error
}

type BookingStore interface {
	SaveBooking(ctx context.Context, b LifecycleBooking) error
	// PendingBookings returns unconverted bookings dated on or before the given day.
	PendingBookings(ctx context.Context, tenant TenantID, onOrBefore Date) ([]LifecycleBooking, error)
}

type TaskStore interface {
	SaveTask(ctx context.Context, t Task) error
	// DueTasks returns open, not-yet-notified tasks due on or before the given day.
	DueTasks(ctx context.Context, tenant TenantID, onOrBefore Date) ([]Task, error)
}

// =============================================================================
// AGGREGATE
// =============================================================================

// Store is the full record store.
type Store interface {
	EventStore
	Directory
	StatementStore
	SubscriptionStore
	AttemptStore
	SettingsStore
	BookingStore
	TaskStore
}

// TxStore runs fn against a transactional view of the store. If fn
// returns an error nothing it wrote is persisted.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
