/*
scheduler.go - Daily automation scheduler

PURPOSE:
  Triggers the daily automation run for every enabled tenant on a cron
  schedule, in-process. External cron hitting POST /api/automation/run-daily
  is the alternative deployment.

DESIGN:
  - robfig/cron with a five-field parser that also accepts descriptors
    ("@daily", "@every 1h")
  - SkipIfStillRunning: a run that outlasts the interval is never doubled
  - Each run gets its own logger on the context and a timeout

CONFIGURATION:
  - Schedule: cron expression (default "0 6 * * *")
  - Enabled: whether the scheduler starts at all
  - RunTimeout: upper bound for one daily run

USAGE:
  scheduler, err := NewAutomationScheduler(orchestrator, cfg, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunDaily endpoint (manual trigger)
  - automation/orchestrator.go: RunDaily
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/automation"
	"github.com/warp/dues-engine/logger"
)

const DefaultSchedule = "0 6 * * *"

// SchedulerConfig configures the in-process daily trigger.
type SchedulerConfig struct {
	Schedule   string
	Enabled    bool
	RunTimeout time.Duration
}

// AutomationScheduler runs the daily automation on a cron schedule.
type AutomationScheduler struct {
	orchestrator *automation.Orchestrator
	config       SchedulerConfig
	log          zerolog.Logger
	now          func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	started bool
}

// NewAutomationScheduler validates the schedule and registers the run.
func NewAutomationScheduler(o *automation.Orchestrator, cfg SchedulerConfig, log zerolog.Logger) (*AutomationScheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Hour
	}
	log = log.With().Str("component", "scheduler").Logger()

	cl := cronLogger{log: log}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &AutomationScheduler{
		orchestrator: o,
		config:       cfg,
		log:          log,
		now:          time.Now,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	id, err := s.cron.AddFunc(cfg.Schedule, s.RunNow)
	if err != nil {
		return nil, fmt.Errorf("invalid automation schedule %q: %w", cfg.Schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins the scheduler.
func (s *AutomationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.Enabled {
		s.log.Info().Msg("scheduler disabled, not starting")
		return
	}
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	s.log.Info().Str("schedule", s.config.Schedule).Time("next_run", s.NextRun()).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *AutomationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	s.log.Info().Msg("scheduler stopped")
}

// NextRun returns when the next scheduled run will occur. Zero before Start.
func (s *AutomationScheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// RunNow runs the daily automation for all tenants immediately.
func (s *AutomationScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, s.log)

	report, err := s.orchestrator.RunDaily(ctx, automation.AllTenants(), s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("daily automation could not start")
		return
	}

	event := s.log.Info()
	if report.Failed() {
		event = s.log.Warn()
	}
	event.Int("tenants", len(report.Tenants)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("daily automation finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
