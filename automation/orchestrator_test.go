package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

type email struct {
	To      string
	Subject string
}

type recordingSender struct {
	mu     sync.Mutex
	emails []email
}

func (s *recordingSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, email{To: to, Subject: subject})
	return nil
}

func (s *recordingSender) SendSMS(context.Context, string, string) error { return nil }

func (s *recordingSender) sent() []email {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]email(nil), s.emails...)
}

type brokenSettingsStore struct {
	*memory.Memory
}

func (brokenSettingsStore) ListAutomationSettings(context.Context) ([]ledger.AutomationSettings, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	store  *memory.Memory
	sender *recordingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{store: memory.New(), sender: &recordingSender{}}
}

func (f *fixture) orchestrator(t *testing.T, store ledger.TxStore) *Orchestrator {
	t.Helper()
	sandbox, err := gateway.NewSandbox(0)
	require.NoError(t, err)
	dispatcher := notify.NewDispatcher(f.sender, time.Second, zerolog.Nop())
	svc := billing.NewService(store, sandbox, dispatcher)
	return NewOrchestrator(store, svc, dispatcher, ledger.NewStatementGenerator(store, nil))
}

func (f *fixture) tenant(t *testing.T, id ledger.TenantID, mutate func(*ledger.AutomationSettings)) {
	t.Helper()
	settings := ledger.DefaultAutomationSettings(id)
	if mutate != nil {
		mutate(&settings)
	}
	ctx := context.Background()
	require.NoError(t, f.store.SaveAutomationSettings(ctx, settings))
	require.NoError(t, f.store.SaveFamily(ctx, ledger.Family{
		ID:         "fam-1",
		TenantID:   id,
		Name:       "Cohen",
		Email:      "cohen@example.org",
		EmailOptIn: true,
	}))
}

func (f *fixture) subscription(t *testing.T, tenant ledger.TenantID, due ledger.Date) {
	t.Helper()
	require.NoError(t, f.store.CreateSubscription(context.Background(), ledger.Subscription{
		ID:            ledger.SubscriptionID("sub-" + string(tenant)),
		TenantID:      tenant,
		FamilyID:      "fam-1",
		InstrumentRef: "pm_visa",
		Method:        ledger.MethodCreditCard,
		Amount:        decimal.NewFromInt(180),
		Frequency:     ledger.FrequencyMonthly,
		BillingDay:    due.Day(),
		NextDueDate:   due,
		IsActive:      true,
	}))
}

func (f *fixture) events(t *testing.T, tenant ledger.TenantID, kind ledger.EventKind) []ledger.Event {
	t.Helper()
	events, err := f.store.Events(context.Background(), ledger.EventQuery{TenantID: tenant, Kinds: []ledger.EventKind{kind}})
	require.NoError(t, err)
	return events
}

func jobReport(t *testing.T, tr TenantReport, name JobName) JobReport {
	t.Helper()
	for _, j := range tr.Jobs {
		if j.Job == name {
			return j
		}
	}
	t.Fatalf("job %s not in report", name)
	return JobReport{}
}

func noon(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 12, 0, 0, 0, time.UTC)
}

func monthlyPaymentsOnly(s *ledger.AutomationSettings) { s.EnableMonthlyPayments = true }

// =============================================================================
// TENANT SCOPE
// =============================================================================

func TestRunDaily_AllTenants_OnlyEnabled(t *testing.T) {
	// GIVEN: Tenant A with monthly payments on, tenant B with everything off
	// WHEN: The periodic trigger runs
	// THEN: Only A is in the report and only A is charged

	f := newFixture(t)
	f.tenant(t, "tenant-a", monthlyPaymentsOnly)
	f.tenant(t, "tenant-b", nil)
	f.subscription(t, "tenant-a", ledger.NewDate(2024, time.March, 1))
	f.subscription(t, "tenant-b", ledger.NewDate(2024, time.March, 1))

	report, err := f.orchestrator(t, f.store).RunDaily(context.Background(), AllTenants(), noon(2024, time.March, 1))
	require.NoError(t, err)

	require.Len(t, report.Tenants, 1)
	assert.Equal(t, ledger.TenantID("tenant-a"), report.Tenants[0].TenantID)
	assert.Equal(t, 1, report.Totals[JobMonthlyPayments].Processed)
	assert.Len(t, f.events(t, "tenant-a", ledger.KindPayment), 1)
	assert.Empty(t, f.events(t, "tenant-b", ledger.KindPayment))
}

func TestRunDaily_ScopedTenant_DisabledIsSkipped(t *testing.T) {
	// GIVEN: An authenticated tenant with no automation flag on
	// WHEN: RunDaily is scoped to it
	// THEN: The tenant is reported as skipped, nothing runs, no error

	f := newFixture(t)
	f.tenant(t, "tenant-b", nil)
	f.subscription(t, "tenant-b", ledger.NewDate(2024, time.March, 1))

	report, err := f.orchestrator(t, f.store).RunDaily(context.Background(), Scope{TenantID: "tenant-b"}, noon(2024, time.March, 1))
	require.NoError(t, err)

	require.Len(t, report.Tenants, 1)
	assert.Contains(t, report.Tenants[0].Skipped, "automation is disabled")
	assert.Empty(t, report.Tenants[0].Jobs)
	assert.Empty(t, f.events(t, "tenant-b", ledger.KindPayment))
}

func TestRunDaily_ScopedTenant_WithoutSettings(t *testing.T) {
	f := newFixture(t)

	report, err := f.orchestrator(t, f.store).RunDaily(context.Background(), Scope{TenantID: "unknown"}, noon(2024, time.March, 1))
	require.NoError(t, err)
	require.Len(t, report.Tenants, 1)
	assert.NotEmpty(t, report.Tenants[0].Skipped)
}

func TestRunDaily_PerJobFlags(t *testing.T) {
	// GIVEN: A tenant with only monthly payments enabled
	// WHEN: RunDaily runs
	// THEN: overdue_status always runs, reminders are disabled

	f := newFixture(t)
	f.tenant(t, "tenant-a", monthlyPaymentsOnly)

	report, err := f.orchestrator(t, f.store).RunDaily(context.Background(), AllTenants(), noon(2024, time.March, 5))
	require.NoError(t, err)
	require.Len(t, report.Tenants, 1)

	tr := report.Tenants[0]
	assert.Len(t, tr.Jobs, 7)
	assert.Equal(t, StatusSuccess, jobReport(t, tr, JobOverdueStatus).Status)
	assert.Equal(t, StatusSuccess, jobReport(t, tr, JobMonthlyPayments).Status)
	assert.Equal(t, StatusDisabled, jobReport(t, tr, JobOverdueReminders).Status)
	assert.Equal(t, StatusDisabled, jobReport(t, tr, JobUpcomingReminders).Status)
	assert.Equal(t, StatusDisabled, jobReport(t, tr, JobLifecycleConversion).Status)
	assert.Equal(t, StatusDisabled, jobReport(t, tr, JobTaskNotifications).Status)
	assert.Equal(t, StatusDisabled, jobReport(t, tr, JobMonthlyStatements).Status)
}

func TestRunDaily_TenantSetUnavailable(t *testing.T) {
	f := newFixture(t)
	store := brokenSettingsStore{Memory: f.store}

	_, err := f.orchestrator(t, store).RunDaily(context.Background(), AllTenants(), noon(2024, time.March, 1))
	assert.ErrorContains(t, err, "list automation settings")
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

func TestRunDaily_FailingJobDoesNotStopOthers(t *testing.T) {
	// GIVEN: A job that panics and a job that errors for every tenant
	// WHEN: RunDaily runs for two tenants
	// THEN: Both failures are recorded and the remaining jobs still run

	f := newFixture(t)
	f.tenant(t, "tenant-a", monthlyPaymentsOnly)
	f.tenant(t, "tenant-b", monthlyPaymentsOnly)
	f.subscription(t, "tenant-a", ledger.NewDate(2024, time.March, 1))
	f.subscription(t, "tenant-b", ledger.NewDate(2024, time.March, 1))

	o := f.orchestrator(t, f.store)
	o.jobs = append([]job{
		{"exploding", always, func(context.Context, ledger.AutomationSettings, time.Time) (billing.BatchResult, error) {
			panic("nil map")
		}},
		{"erroring", always, func(context.Context, ledger.AutomationSettings, time.Time) (billing.BatchResult, error) {
			return billing.BatchResult{}, errors.New("store unavailable")
		}},
	}, o.jobs...)

	report, err := o.RunDaily(context.Background(), AllTenants(), noon(2024, time.March, 1))
	require.NoError(t, err)
	require.Len(t, report.Tenants, 2)

	for _, tr := range report.Tenants {
		exploding := jobReport(t, tr, "exploding")
		assert.Equal(t, StatusFailed, exploding.Status)
		assert.Contains(t, exploding.Error, "panic: nil map")
		assert.Equal(t, StatusFailed, jobReport(t, tr, "erroring").Status)
		assert.Equal(t, StatusSuccess, jobReport(t, tr, JobMonthlyPayments).Status)
	}
	assert.Equal(t, 2, report.Totals["exploding"].Failed)
	assert.Equal(t, 2, report.Totals[JobMonthlyPayments].Processed)
	assert.True(t, report.Failed())
}

func TestRunJob(t *testing.T) {
	f := newFixture(t)
	f.tenant(t, "tenant-a", monthlyPaymentsOnly)
	f.subscription(t, "tenant-a", ledger.NewDate(2024, time.March, 1))
	o := f.orchestrator(t, f.store)

	report, err := o.RunJob(context.Background(), Scope{TenantID: "tenant-a"}, JobMonthlyPayments, noon(2024, time.March, 1))
	require.NoError(t, err)
	require.Len(t, report.Tenants, 1)
	require.Len(t, report.Tenants[0].Jobs, 1)
	assert.Equal(t, 1, report.Totals[JobMonthlyPayments].Processed)

	report, err = o.RunJob(context.Background(), Scope{TenantID: "tenant-a"}, JobOverdueReminders, noon(2024, time.March, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, report.Tenants[0].Jobs[0].Status)

	_, err = o.RunJob(context.Background(), AllTenants(), "rollover", noon(2024, time.March, 1))
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestJobs_DailyOrder(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []JobName{
		JobOverdueStatus,
		JobMonthlyPayments,
		JobOverdueReminders,
		JobUpcomingReminders,
		JobLifecycleConversion,
		JobTaskNotifications,
		JobMonthlyStatements,
	}, f.orchestrator(t, f.store).Jobs())
}
