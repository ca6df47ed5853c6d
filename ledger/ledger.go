/*
ledger.go - Append-only event log

PURPOSE:
  The Ledger is the source of truth for money moving through a family
  account. Every payment, withdrawal and lifecycle charge is recorded
  here and balances are always computed by replaying events. There is no
  stored "balance" field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IMMUTABLE: Once written, events cannot be modified.
  3. IDEMPOTENT: Same idempotency key = same event (no duplicates).

CORRECTIONS:
  Mistakes are fixed by appending a new event (e.g. a Withdrawal to
  return money), never by editing history.

APPEND HOOKS:
  Observers registered with OnAppend run after a successful append.
  CachedBalances uses this to drop cached balances for the family when a
  back-dated entry lands.

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: Replays events into a balance
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER - Append-only event log
// =============================================================================

// Ledger is the write path for ledger events.
type Ledger interface {
	// Append validates and adds an event. Fails if the idempotency key exists.
	Append(ctx context.Context, e Event) error

	// Events returns matching events ordered by EffectiveAt.
	Events(ctx context.Context, q EventQuery) ([]Event, error)
}

// DefaultLedger implements Ledger over an EventStore.
type DefaultLedger struct {
	Store    EventStore
	onAppend []func(Event)
}

func NewLedger(store EventStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

// OnAppend registers an observer called after every successful append.
func (l *DefaultLedger) OnAppend(fn func(Event)) {
	l.onAppend = append(l.onAppend, fn)
}

func (l *DefaultLedger) Append(ctx context.Context, e Event) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	if key := e.Header().IdempotencyKey; key != "" {
		exists, err := l.Store.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	if err := l.Store.Append(ctx, e); err != nil {
		return err
	}
	for _, fn := range l.onAppend {
		fn(e)
	}
	return nil
}

func (l *DefaultLedger) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	return l.Store.Events(ctx, q)
}

// =============================================================================
// EVENT CONSTRUCTION
// =============================================================================

// Stamp fills ID and CreatedAt on a header when they are unset.
func Stamp(h EventHeader, now time.Time) EventHeader {
	if h.ID == "" {
		h.ID = EventID(uuid.NewString())
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now.UTC()
	}
	return h
}
