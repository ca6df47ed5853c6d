/*
service.go - Billing service wiring and batch plumbing

PURPOSE:
  Service bundles the record store, payment processor and notification
  dispatcher used by the recurring scheduler, the overdue escalation
  state machine and the pre-due reminder path.

BATCH MODEL:
  Every batch operation loads its items for ONE tenant, then processes
  them with bounded concurrency (errgroup.SetLimit). An item's error is
  recorded in the BatchResult and never aborts the batch. Only a failure
  to load the batch itself is returned as an error.

PER-SUBSCRIPTION EXCLUSION:
  Items are claimed in an in-process set keyed by subscription id and
  released when done. A claimed item belongs to an overlapping pass and
  is skipped.
  Across processes the optimistic Version check on UpdateSubscription and
  the idempotency keys at the processor and the ledger prevent double
  charges.

SEE ALSO:
  - recurring.go: ProcessDue
  - escalation.go: SendOverdueReminders, UpdateOverdueStatus
  - reminders.go: SendUpcomingReminders
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/notify"
)

const (
	DefaultConcurrency = 4
	DefaultItemTimeout = 15 * time.Second
)

// ErrNothingToDo marks an item that needed no action. Counted as skipped.
var ErrNothingToDo = errors.New("nothing to do")

// errInFlight marks an item another pass is processing right now.
var errInFlight = errors.New("subscription is being processed by another pass")

// =============================================================================
// RESULT
// =============================================================================

// ItemFailure gives an operator enough to follow up on one failed item.
type ItemFailure struct {
	SubscriptionID ledger.SubscriptionID `json:"subscription_id,omitempty"`
	FamilyID       ledger.FamilyID       `json:"family_id,omitempty"`
	RecordID       string                `json:"record_id,omitempty"`
	Error          string                `json:"error"`
}

// BatchResult aggregates the outcome of one batch for one tenant.
type BatchResult struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

// Record classifies one item outcome.
func (r *BatchResult) Record(f ItemFailure, err error) {
	switch {
	case err == nil:
		r.Processed++
	case errors.Is(err, ErrNothingToDo), errors.Is(err, errInFlight), ledger.IsSkip(err):
		r.Skipped++
	default:
		r.Failed++
		f.Error = err.Error()
		r.Failures = append(r.Failures, f)
	}
}

// Merge adds other into r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Failures = append(r.Failures, other.Failures...)
}

func (r *BatchResult) sortFailures() {
	sort.Slice(r.Failures, func(i, j int) bool {
		if r.Failures[i].SubscriptionID != r.Failures[j].SubscriptionID {
			return r.Failures[i].SubscriptionID < r.Failures[j].SubscriptionID
		}
		return r.Failures[i].RecordID < r.Failures[j].RecordID
	})
}

// =============================================================================
// SERVICE
// =============================================================================

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Service struct {
	store       ledger.TxStore
	processor   PaymentProcessor
	dispatcher  *notify.Dispatcher
	templates   *notify.Templates
	clock       Clock
	concurrency int
	itemTimeout time.Duration
	log         zerolog.Logger
	invalidate  func(ledger.TenantID, ledger.FamilyID)

	mu       sync.Mutex
	inFlight map[ledger.SubscriptionID]struct{}
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithConcurrency bounds how many items of a batch run at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithItemTimeout bounds each processor call.
func WithItemTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.itemTimeout = d
		}
	}
}

// WithTemplates overrides the notification templates.
func WithTemplates(t *notify.Templates) Option {
	return func(s *Service) {
		if t != nil {
			s.templates = t
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithBalanceInvalidator is called with the family of every committed
// payment, e.g. CachedBalances.Invalidate.
func WithBalanceInvalidator(fn func(ledger.TenantID, ledger.FamilyID)) Option {
	return func(s *Service) {
		s.invalidate = fn
	}
}

func NewService(store ledger.TxStore, processor PaymentProcessor, dispatcher *notify.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:       store,
		processor:   processor,
		dispatcher:  dispatcher,
		templates:   notify.MustTemplates(),
		clock:       systemClock{},
		concurrency: DefaultConcurrency,
		itemTimeout: DefaultItemTimeout,
		log:         zerolog.Nop(),
		inFlight:    make(map[ledger.SubscriptionID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// settingsFor returns the tenant's automation settings or the defaults.
func (s *Service) settingsFor(ctx context.Context, tenant ledger.TenantID) (ledger.AutomationSettings, error) {
	settings, err := s.store.GetAutomationSettings(ctx, tenant)
	if err != nil {
		return ledger.AutomationSettings{}, fmt.Errorf("load automation settings for %s: %w", tenant, err)
	}
	if settings == nil {
		return ledger.DefaultAutomationSettings(tenant), nil
	}
	return *settings, nil
}

// forEach runs fn for every subscription with bounded concurrency under
// the per-subscription lock.
func (s *Service) forEach(ctx context.Context, subs []ledger.Subscription, fn func(context.Context, ledger.Subscription) error) BatchResult {
	var (
		mu     sync.Mutex
		result BatchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			err := s.withLock(sub.ID, func() error { return fn(gctx, sub) })

			mu.Lock()
			defer mu.Unlock()
			result.Record(ItemFailure{SubscriptionID: sub.ID, FamilyID: sub.FamilyID}, err)
			return nil
		})
	}
	_ = g.Wait()

	result.sortFailures()
	return result
}

func (s *Service) withLock(id ledger.SubscriptionID, fn func() error) error {
	s.mu.Lock()
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		return errInFlight
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()
	return fn()
}

// mutateSubscription re-reads the subscription, applies mutate and writes it
// back with the optimistic version check. A conflict is retried once.
// mutate returns false to abandon the write.
func (s *Service) mutateSubscription(ctx context.Context, store ledger.SubscriptionStore, tenant ledger.TenantID, id ledger.SubscriptionID, mutate func(*ledger.Subscription) bool) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var current *ledger.Subscription
		current, err = store.GetSubscription(ctx, tenant, id)
		if err != nil {
			return err
		}
		if current == nil {
			return &ledger.NotFoundError{Resource: "subscription", ID: string(id)}
		}
		if !mutate(current) {
			return nil
		}
		current.UpdatedAt = s.clock.Now().UTC()
		err = store.UpdateSubscription(ctx, *current)
		if !errors.Is(err, ledger.ErrConcurrentModification) {
			return err
		}
	}
	return err
}

func (s *Service) familyFor(ctx context.Context, sub ledger.Subscription) (ledger.Family, error) {
	family, err := s.store.GetFamily(ctx, sub.TenantID, sub.FamilyID)
	if err != nil {
		return ledger.Family{}, err
	}
	if family == nil {
		return ledger.Family{}, &ledger.NotFoundError{Resource: "family", ID: string(sub.FamilyID)}
	}
	return *family, nil
}

func (s *Service) itemLog(sub ledger.Subscription) zerolog.Logger {
	return s.log.With().
		Str("tenant_id", string(sub.TenantID)).
		Str("subscription_id", string(sub.ID)).
		Str("family_id", string(sub.FamilyID)).
		Logger()
}
