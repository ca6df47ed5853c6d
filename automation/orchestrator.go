/*
Package automation drives the daily billing jobs across tenants.

TENANT SCOPE:
  - Scope{TenantID: t}: the authenticated caller's tenant only. The tenant
    still needs at least one automation flag on, otherwise it is reported
    as skipped.
  - Scope{} (periodic trigger): every tenant with at least one flag on.

DAILY ORDER (per tenant):
  1. overdue_status        always
  2. monthly_payments      EnableMonthlyPayments
  3. overdue_reminders     EnableOverdueReminders
  4. upcoming_reminders    EnablePaymentReminders
  5. lifecycle_conversion  EnableLifecycleConversion
  6. task_notifications    EnableTaskNotifications
  7. monthly_statements    EnableMonthlyStatements

FAILURE ISOLATION:
  A job error, or a panic inside a job, is recorded on that tenant's job
  report and the run moves on. RunDaily returns an error only when the
  tenant set itself cannot be loaded.

SEE ALSO:
  - billing/: Recurring charges and reminders
  - lifecycle.go, tasks.go, statements.go: Jobs owned by this package
*/
package automation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/metrics"
	"github.com/warp/dues-engine/notify"
)

// JobName identifies an automated job.
type JobName string

const (
	JobOverdueStatus       JobName = "overdue_status"
	JobMonthlyPayments     JobName = "monthly_payments"
	JobOverdueReminders    JobName = "overdue_reminders"
	JobUpcomingReminders   JobName = "upcoming_reminders"
	JobLifecycleConversion JobName = "lifecycle_conversion"
	JobTaskNotifications   JobName = "task_notifications"
	JobMonthlyStatements   JobName = "monthly_statements"
)

// Job status values reported per tenant.
const (
	StatusSuccess  = "success"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)

// Scope selects the tenants of a run. The zero value means all tenants.
type Scope struct {
	TenantID ledger.TenantID
}

// AllTenants is the periodic-trigger scope.
func AllTenants() Scope { return Scope{} }

// =============================================================================
// REPORT
// =============================================================================

// JobReport is the outcome of one job for one tenant.
type JobReport struct {
	Job    JobName `json:"job"`
	Status string  `json:"status"`
	billing.BatchResult
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// TenantReport lists the job outcomes of one tenant.
type TenantReport struct {
	TenantID ledger.TenantID `json:"tenant_id"`
	Skipped  string          `json:"skipped,omitempty"`
	Jobs     []JobReport     `json:"jobs,omitempty"`
}

// Counts are per-job totals across tenants.
type Counts struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Report is the combined result of a run.
type Report struct {
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Tenants    []TenantReport     `json:"tenants"`
	Totals     map[JobName]Counts `json:"totals"`
}

func (r *Report) add(tr TenantReport) {
	r.Tenants = append(r.Tenants, tr)
	for _, j := range tr.Jobs {
		c := r.Totals[j.Job]
		c.Processed += j.Processed
		c.Skipped += j.Skipped
		c.Failed += j.Failed
		if j.Status == StatusFailed && j.Failed == 0 {
			c.Failed++
		}
		r.Totals[j.Job] = c
	}
}

// Failed reports whether any job failed for any tenant.
func (r Report) Failed() bool {
	for _, c := range r.Totals {
		if c.Failed > 0 {
			return true
		}
	}
	return false
}

// =============================================================================
// JOB REGISTRY
// =============================================================================

type runFunc func(ctx context.Context, settings ledger.AutomationSettings, now time.Time) (billing.BatchResult, error)

type job struct {
	name    JobName
	enabled func(ledger.AutomationSettings) bool
	run     runFunc
}

func always(ledger.AutomationSettings) bool { return true }

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	store      ledger.TxStore
	billing    *billing.Service
	dispatcher *notify.Dispatcher
	templates  *notify.Templates
	statements *ledger.StatementGenerator
	log        zerolog.Logger

	jobs []job
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithTemplates overrides the notification templates used by task notices.
func WithTemplates(t *notify.Templates) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.templates = t
		}
	}
}

func NewOrchestrator(store ledger.TxStore, svc *billing.Service, dispatcher *notify.Dispatcher, statements *ledger.StatementGenerator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		billing:    svc,
		dispatcher: dispatcher,
		templates:  notify.MustTemplates(),
		statements: statements,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.jobs = []job{
		{JobOverdueStatus, always, o.tenantJob(svc.UpdateOverdueStatus)},
		{JobMonthlyPayments, func(s ledger.AutomationSettings) bool { return s.EnableMonthlyPayments }, o.tenantJob(svc.ProcessDue)},
		{JobOverdueReminders, func(s ledger.AutomationSettings) bool { return s.EnableOverdueReminders }, o.tenantJob(svc.SendOverdueReminders)},
		{JobUpcomingReminders, func(s ledger.AutomationSettings) bool { return s.EnablePaymentReminders }, o.tenantJob(svc.SendUpcomingReminders)},
		{JobLifecycleConversion, func(s ledger.AutomationSettings) bool { return s.EnableLifecycleConversion }, o.ConvertLifecycleBookings},
		{JobTaskNotifications, func(s ledger.AutomationSettings) bool { return s.EnableTaskNotifications }, o.NotifyDueTasks},
		{JobMonthlyStatements, func(s ledger.AutomationSettings) bool { return s.EnableMonthlyStatements }, o.GenerateMonthlyStatements},
	}
	return o
}

// tenantJob adapts a billing batch that takes the tenant id.
func (o *Orchestrator) tenantJob(fn func(context.Context, ledger.TenantID, time.Time) (billing.BatchResult, error)) runFunc {
	return func(ctx context.Context, settings ledger.AutomationSettings, now time.Time) (billing.BatchResult, error) {
		return fn(ctx, settings.TenantID, now)
	}
}

// Jobs returns the registered job names in daily order.
func (o *Orchestrator) Jobs() []JobName {
	names := make([]JobName, 0, len(o.jobs))
	for _, j := range o.jobs {
		names = append(names, j.name)
	}
	return names
}

// RunDaily runs every job for every tenant in scope.
func (o *Orchestrator) RunDaily(ctx context.Context, scope Scope, now time.Time) (Report, error) {
	return o.run(ctx, scope, now, o.jobs)
}

// RunJob runs a single job for every tenant in scope.
func (o *Orchestrator) RunJob(ctx context.Context, scope Scope, name JobName, now time.Time) (Report, error) {
	for _, j := range o.jobs {
		if j.name == name {
			return o.run(ctx, scope, now, []job{j})
		}
	}
	return Report{}, &ledger.InvalidInputError{Field: "job", Reason: fmt.Sprintf("unknown job %q", name)}
}

func (o *Orchestrator) run(ctx context.Context, scope Scope, now time.Time, jobs []job) (Report, error) {
	tenants, err := o.tenants(ctx, scope)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		StartedAt: time.Now().UTC(),
		Totals:    make(map[JobName]Counts),
	}
	for _, settings := range tenants {
		report.add(o.runTenant(ctx, settings, now, jobs))
	}
	report.FinishedAt = time.Now().UTC()

	o.log.Info().
		Int("tenants", len(report.Tenants)).
		Bool("failures", report.Failed()).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("automation run finished")
	return report, nil
}

// tenants resolves the scope into tenant settings ordered by tenant id.
func (o *Orchestrator) tenants(ctx context.Context, scope Scope) ([]ledger.AutomationSettings, error) {
	if scope.TenantID != "" {
		settings, err := o.store.GetAutomationSettings(ctx, scope.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load automation settings for %s: %w", scope.TenantID, err)
		}
		if settings == nil {
			d := ledger.DefaultAutomationSettings(scope.TenantID)
			settings = &d
		}
		return []ledger.AutomationSettings{*settings}, nil
	}

	all, err := o.store.ListAutomationSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list automation settings: %w", err)
	}
	var enabled []ledger.AutomationSettings
	for _, s := range all {
		if s.AnyEnabled() {
			enabled = append(enabled, s)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].TenantID < enabled[j].TenantID })
	return enabled, nil
}

func (o *Orchestrator) runTenant(ctx context.Context, settings ledger.AutomationSettings, now time.Time, jobs []job) TenantReport {
	tr := TenantReport{TenantID: settings.TenantID}
	if !settings.AnyEnabled() {
		tr.Skipped = (&ledger.ConfigurationError{TenantID: settings.TenantID, Reason: "automation is disabled"}).Error()
		return tr
	}

	for _, j := range jobs {
		if !j.enabled(settings) {
			tr.Jobs = append(tr.Jobs, JobReport{Job: j.name, Status: StatusDisabled})
			continue
		}
		tr.Jobs = append(tr.Jobs, o.runJob(ctx, settings, now, j))
	}
	return tr
}

func (o *Orchestrator) runJob(ctx context.Context, settings ledger.AutomationSettings, now time.Time, j job) (jr JobReport) {
	log := o.log.With().Str("tenant_id", string(settings.TenantID)).Str("job", string(j.name)).Logger()
	start := time.Now()
	jr.Job = j.name

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("automation job panicked")
			jr.Status = StatusFailed
			jr.Error = fmt.Sprintf("panic: %v", r)
		}
		jr.DurationMS = time.Since(start).Milliseconds()
		metrics.ObserveJob(string(j.name), jr.Status, jr.Processed, jr.Failed, jr.Skipped, time.Since(start))
	}()

	result, err := j.run(ctx, settings, now)
	jr.BatchResult = result
	switch {
	case err != nil:
		jr.Status = StatusFailed
		jr.Error = err.Error()
		log.Error().Err(err).Msg("automation job failed")
	case result.Failed > 0 && result.Processed > 0:
		jr.Status = StatusPartial
	case result.Failed > 0:
		jr.Status = StatusFailed
	default:
		jr.Status = StatusSuccess
	}
	return jr
}
