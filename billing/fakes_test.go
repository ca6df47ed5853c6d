package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/memory"
)

const tenant = ledger.TenantID("shul-1")

// =============================================================================
// FAKE PROCESSOR - honors idempotency keys like a real processor
// =============================================================================

type fakeProcessor struct {
	mu sync.Mutex

	byKey map[string]Charge
	byID  map[string]Charge
	keys  []string // keys of every Charge call, in order

	// err is returned instead of charging.
	err error
	// errAfterCreate creates the charge and then returns err (lost response).
	errAfterCreate bool
	// status of newly created charges (default succeeded).
	status ChargeStatus
	// settle overrides the status RetrieveTransaction reports.
	settle ChargeStatus

	entered chan struct{}
	release chan struct{}
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{byKey: map[string]Charge{}, byID: map[string]Charge{}}
}

func (p *fakeProcessor) Charge(ctx context.Context, ref string, amount decimal.Decimal, key string) (Charge, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)

	if c, ok := p.byKey[key]; ok {
		return c, nil
	}
	if p.err != nil && !p.errAfterCreate {
		return Charge{}, p.err
	}

	status := p.status
	if status == "" {
		status = ChargeSucceeded
	}
	c := Charge{TransactionID: fmt.Sprintf("txn-%d", len(p.byID)+1), Status: status, Amount: amount}
	if status == ChargeFailed {
		c.FailureReason = "card_declined"
	}
	p.byKey[key] = c
	p.byID[c.TransactionID] = c

	if p.err != nil {
		return Charge{}, p.err
	}
	return c, nil
}

func (p *fakeProcessor) RetrieveTransaction(ctx context.Context, id string) (Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return Charge{}, errors.New("no such transaction")
	}
	if p.settle != "" {
		c.Status = p.settle
	}
	return c, nil
}

// created counts distinct charges at the processor.
func (p *fakeProcessor) created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// =============================================================================
// FAKE SENDER
// =============================================================================

type sent struct {
	Channel string
	To      string
	Subject string
	Body    string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sent
	emailErr error
	smsErr   error
}

func (s *fakeSender) SendEmail(ctx context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailErr != nil {
		return s.emailErr
	}
	s.messages = append(s.messages, sent{Channel: "email", To: to, Subject: subject, Body: body})
	return nil
}

func (s *fakeSender) SendSMS(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.smsErr != nil {
		return s.smsErr
	}
	s.messages = append(s.messages, sent{Channel: "sms", To: to, Body: body})
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// =============================================================================
// STORE WRAPPER - fails the next N transactions after fn ran
// =============================================================================

type failingCommitStore struct {
	ledger.TxStore
	failures int
}

func (s *failingCommitStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.failures == 0 {
		return s.TxStore.WithTx(ctx, fn)
	}
	s.failures--
	return s.TxStore.WithTx(ctx, func(tx ledger.Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("commit failed: database is locked")
	})
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	store     *memory.Memory
	processor *fakeProcessor
	sender    *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.SaveFamily(context.Background(), ledger.Family{
		ID:         "fam-1",
		TenantID:   tenant,
		Name:       "Levi",
		Email:      "levi@example.org",
		Phone:      "+15550001111",
		EmailOptIn: true,
		SMSOptIn:   true,
	}))
	return &fixture{store: store, processor: newFakeProcessor(), sender: &fakeSender{}}
}

func (f *fixture) service(store ledger.TxStore, now time.Time) *Service {
	dispatcher := notify.NewDispatcher(f.sender, time.Second, zerolog.Nop())
	return NewService(store, f.processor, dispatcher,
		WithClock(fixedClock{t: now}),
		WithItemTimeout(time.Second),
	)
}

func (f *fixture) subscription(t *testing.T, id ledger.SubscriptionID, due ledger.Date, mutate ...func(*ledger.Subscription)) ledger.Subscription {
	t.Helper()
	sub := ledger.Subscription{
		ID:            id,
		TenantID:      tenant,
		FamilyID:      "fam-1",
		InstrumentRef: "pm_" + string(id),
		Method:        ledger.MethodCreditCard,
		Amount:        decimal.NewFromInt(100),
		Frequency:     ledger.FrequencyMonthly,
		BillingDay:    due.Day(),
		NextDueDate:   due,
		IsActive:      true,
	}
	for _, m := range mutate {
		m(&sub)
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), sub))
	return sub
}

func (f *fixture) get(t *testing.T, id ledger.SubscriptionID) ledger.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), tenant, id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return *sub
}

func (f *fixture) payments(t *testing.T) []ledger.Event {
	t.Helper()
	events, err := f.store.Events(context.Background(), ledger.EventQuery{TenantID: tenant, Kinds: []ledger.EventKind{ledger.KindPayment}})
	require.NoError(t, err)
	return events
}

func day(year int, month time.Month, d int) ledger.Date { return ledger.NewDate(year, month, d) }

func noon(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 12, 0, 0, 0, time.UTC)
}
