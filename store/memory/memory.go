// Package memory provides an in-memory ledger.TxStore for tests and dev.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/dues-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type familyKey struct {
	tenant ledger.TenantID
	id     ledger.FamilyID
}

type memberKey struct {
	tenant ledger.TenantID
	id     ledger.MemberID
}

type state struct {
	events        []ledger.Event // sorted by EffectiveAt
	idempotency   map[string]bool
	families      map[familyKey]ledger.Family
	members       map[memberKey]ledger.Member
	statements    map[ledger.Subject][]ledger.Statement
	sequences     map[ledger.Subject]int64
	subscriptions map[ledger.SubscriptionID]ledger.Subscription
	attempts      map[string]ledger.ChargeAttempt
	settings      map[ledger.TenantID]ledger.AutomationSettings
	bookings      map[string]ledger.LifecycleBooking
	tasks         map[string]ledger.Task
}

func newState() *state {
	return &state{
		idempotency:   make(map[string]bool),
		families:      make(map[familyKey]ledger.Family),
		members:       make(map[memberKey]ledger.Member),
		statements:    make(map[ledger.Subject][]ledger.Statement),
		sequences:     make(map[ledger.Subject]int64),
		subscriptions: make(map[ledger.SubscriptionID]ledger.Subscription),
		attempts:      make(map[string]ledger.ChargeAttempt),
		settings:      make(map[ledger.TenantID]ledger.AutomationSettings),
		bookings:      make(map[string]ledger.LifecycleBooking),
		tasks:         make(map[string]ledger.Task),
	}
}

func (s *state) clone() state {
	c := *newState()
	c.events = append([]ledger.Event(nil), s.events...)
	copyMap(c.idempotency, s.idempotency)
	copyMap(c.families, s.families)
	copyMap(c.members, s.members)
	for k, v := range s.statements {
		c.statements[k] = append([]ledger.Statement(nil), v...)
	}
	copyMap(c.sequences, s.sequences)
	copyMap(c.subscriptions, s.subscriptions)
	copyMap(c.attempts, s.attempts)
	copyMap(c.settings, s.settings)
	copyMap(c.bookings, s.bookings)
	copyMap(c.tasks, s.tasks)
	return c
}

func copyMap[K comparable, V any](dst, src map[K]V) {
	for k, v := range src {
		dst[k] = v
	}
}

// Memory implements ledger.TxStore. A view handed to WithTx shares the
// state and runs under the outer lock.
type Memory struct {
	mu   *sync.RWMutex
	st   *state
	inTx bool
}

func New() *Memory {
	return &Memory{mu: &sync.RWMutex{}, st: newState()}
}

var _ ledger.TxStore = (*Memory)(nil)

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) rlock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// WithTx runs fn atomically. On error all writes made by fn are rolled back.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &Memory{mu: m.mu, st: m.st, inTx: true}
	if err := fn(view); err != nil {
		*m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// EVENTS
// =============================================================================

// Append adds a single event. Append-only.
func (m *Memory) Append(_ context.Context, e ledger.Event) error {
	defer m.lock()()

	key := e.Header().IdempotencyKey
	if key != "" && m.st.idempotency[key] {
		return ledger.ErrDuplicateIdempotencyKey
	}

	events := m.st.events
	i := sort.Search(len(events), func(i int) bool {
		return events[i].EffectiveAt().After(e.EffectiveAt())
	})
	events = append(events, nil)
	copy(events[i+1:], events[i:])
	events[i] = e
	m.st.events = events

	if key != "" {
		m.st.idempotency[key] = true
	}
	return nil
}

func (m *Memory) Events(_ context.Context, q ledger.EventQuery) ([]ledger.Event, error) {
	defer m.rlock()()

	var result []ledger.Event
	for _, e := range m.st.events {
		if q.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	defer m.rlock()()
	return m.st.idempotency[idempotencyKey], nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) SaveFamily(_ context.Context, f ledger.Family) error {
	defer m.lock()()
	m.st.families[familyKey{f.TenantID, f.ID}] = f
	return nil
}

func (m *Memory) GetFamily(_ context.Context, tenant ledger.TenantID, id ledger.FamilyID) (*ledger.Family, error) {
	defer m.rlock()()
	f, ok := m.st.families[familyKey{tenant, id}]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *Memory) ListFamilies(_ context.Context, tenant ledger.TenantID) ([]ledger.Family, error) {
	defer m.rlock()()
	var result []ledger.Family
	for _, f := range m.st.families {
		if f.TenantID == tenant {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveMember(_ context.Context, mem ledger.Member) error {
	defer m.lock()()
	m.st.members[memberKey{mem.TenantID, mem.ID}] = mem
	return nil
}

func (m *Memory) GetMember(_ context.Context, tenant ledger.TenantID, id ledger.MemberID) (*ledger.Member, error) {
	defer m.rlock()()
	mem, ok := m.st.members[memberKey{tenant, id}]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

// =============================================================================
// STATEMENTS
// =============================================================================

func (m *Memory) NextStatementSequence(_ context.Context, subject ledger.Subject) (int64, error) {
	defer m.lock()()
	m.st.sequences[subject]++
	return m.st.sequences[subject], nil
}

func (m *Memory) SaveStatement(_ context.Context, st ledger.Statement) error {
	defer m.lock()()
	subject := st.Subject()
	for _, existing := range m.st.statements[subject] {
		if existing.Sequence == st.Sequence {
			return fmt.Errorf("statement %s: %w", st.Number, ledger.ErrConcurrentModification)
		}
	}
	m.st.statements[subject] = append(m.st.statements[subject], st)
	return nil
}

func (m *Memory) ListStatements(_ context.Context, subject ledger.Subject) ([]ledger.Statement, error) {
	defer m.rlock()()
	result := append([]ledger.Statement(nil), m.st.statements[subject]...)
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func (m *Memory) CreateSubscription(_ context.Context, s ledger.Subscription) error {
	defer m.lock()()
	if _, ok := m.st.subscriptions[s.ID]; ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	if s.IsActive {
		for _, existing := range m.st.subscriptions {
			if existing.IsActive && existing.TenantID == s.TenantID &&
				existing.FamilyID == s.FamilyID && existing.InstrumentRef == s.InstrumentRef {
				return ledger.ErrActiveSubscriptionExists
			}
		}
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.st.subscriptions[s.ID] = s
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, tenant ledger.TenantID, id ledger.SubscriptionID) (*ledger.Subscription, error) {
	defer m.rlock()()
	s, ok := m.st.subscriptions[id]
	if !ok || s.TenantID != tenant {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, f ledger.SubscriptionFilter) ([]ledger.Subscription, error) {
	defer m.rlock()()
	var result []ledger.Subscription
	for _, s := range m.st.subscriptions {
		if s.TenantID != f.TenantID {
			continue
		}
		if f.FamilyID != "" && s.FamilyID != f.FamilyID {
			continue
		}
		if f.ActiveOnly && !s.IsActive {
			continue
		}
		if f.DueOnOrBefore != nil && s.NextDueDate.After(*f.DueOnOrBefore) {
			continue
		}
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextDueDate.Equal(result[j].NextDueDate) {
			return result[i].NextDueDate.Before(result[j].NextDueDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) UpdateSubscription(_ context.Context, s ledger.Subscription) error {
	defer m.lock()()
	existing, ok := m.st.subscriptions[s.ID]
	if !ok || existing.TenantID != s.TenantID {
		return &ledger.NotFoundError{Resource: "subscription", ID: string(s.ID)}
	}
	if existing.Version != s.Version {
		return ledger.ErrConcurrentModification
	}
	if s.IsActive && !existing.IsActive {
		for _, other := range m.st.subscriptions {
			if other.ID != s.ID && other.IsActive && other.TenantID == s.TenantID &&
				other.FamilyID == s.FamilyID && other.InstrumentRef == s.InstrumentRef {
				return ledger.ErrActiveSubscriptionExists
			}
		}
	}
	s.Version++
	m.st.subscriptions[s.ID] = s
	return nil
}

// =============================================================================
// CHARGE ATTEMPTS
// =============================================================================

func (m *Memory) LatestAttempt(_ context.Context, id ledger.SubscriptionID, due ledger.Date) (*ledger.ChargeAttempt, error) {
	defer m.rlock()()
	var latest *ledger.ChargeAttempt
	for _, a := range m.st.attempts {
		if a.SubscriptionID != id || !a.DueDate.Equal(due) {
			continue
		}
		if latest == nil || a.Sequence > latest.Sequence {
			a := a
			latest = &a
		}
	}
	return latest, nil
}

func (m *Memory) SaveAttempt(_ context.Context, a ledger.ChargeAttempt) error {
	defer m.lock()()
	m.st.attempts[a.ID] = a
	return nil
}

// =============================================================================
// SETTINGS / BOOKINGS / TASKS
// =============================================================================

func (m *Memory) GetAutomationSettings(_ context.Context, tenant ledger.TenantID) (*ledger.AutomationSettings, error) {
	defer m.rlock()()
	s, ok := m.st.settings[tenant]
	if !ok {
		return nil, nil
	}
	s.ReminderDaysBefore = append([]int(nil), s.ReminderDaysBefore...)
	return &s, nil
}

func (m *Memory) ListAutomationSettings(_ context.Context) ([]ledger.AutomationSettings, error) {
	defer m.rlock()()
	result := make([]ledger.AutomationSettings, 0, len(m.st.settings))
	for _, s := range m.st.settings {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TenantID < result[j].TenantID })
	return result, nil
}

func (m *Memory) SaveAutomationSettings(_ context.Context, s ledger.AutomationSettings) error {
	defer m.lock()()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	s.ReminderDaysBefore = append([]int(nil), s.ReminderDaysBefore...)
	m.st.settings[s.TenantID] = s
	return nil
}

func (m *Memory) SaveBooking(_ context.Context, b ledger.LifecycleBooking) error {
	defer m.lock()()
	m.st.bookings[b.ID] = b
	return nil
}

func (m *Memory) PendingBookings(_ context.Context, tenant ledger.TenantID, onOrBefore ledger.Date) ([]ledger.LifecycleBooking, error) {
	defer m.rlock()()
	var result []ledger.LifecycleBooking
	for _, b := range m.st.bookings {
		if b.TenantID == tenant && b.ConvertedAt == nil && b.EventDate.BeforeOrEqual(onOrBefore) {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveTask(_ context.Context, t ledger.Task) error {
	defer m.lock()()
	m.st.tasks[t.ID] = t
	return nil
}

func (m *Memory) DueTasks(_ context.Context, tenant ledger.TenantID, onOrBefore ledger.Date) ([]ledger.Task, error) {
	defer m.rlock()()
	var result []ledger.Task
	for _, t := range m.st.tasks {
		if t.TenantID == tenant && !t.Completed && t.NotifiedAt == nil && t.DueDate.BeforeOrEqual(onOrBefore) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
