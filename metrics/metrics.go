package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "dues_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	chargesTotal *prometheus.CounterVec

	remindersTotal *prometheus.CounterVec

	statementGenerateTotal   *prometheus.CounterVec
	statementGenerateLatency *prometheus.HistogramVec

	automationJobTotal   *prometheus.CounterVec
	automationJobLatency *prometheus.HistogramVec
	automationItemsTotal *prometheus.CounterVec
)

// Init registers collectors with reg (prometheus.DefaultRegisterer when nil).
// Observe functions are no-ops until Init runs.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		chargesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "subscription_charges_total",
				Help: "Recurring charge outcomes by result",
			},
			[]string{"result"},
		)
		remindersTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reminders_total",
				Help: "Reminder sends by kind, channel and result",
			},
			[]string{"kind", "channel", "result"},
		)
		statementGenerateTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statement_generate_total",
				Help: "Total statement generate operations by result",
			},
			[]string{"result"},
		)
		statementGenerateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "statement_generate_latency_seconds",
				Help:    "Statement generate latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		automationJobTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "automation_job_runs_total",
				Help: "Automation job runs per tenant pass by job and status",
			},
			[]string{"job", "status"},
		)
		automationJobLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "automation_job_latency_seconds",
				Help:    "Automation job latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		)
		automationItemsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "automation_items_total",
				Help: "Items handled by automation jobs by job and outcome",
			},
			[]string{"job", "outcome"},
		)

		reg.MustRegister(
			chargesTotal,
			remindersTotal,
			statementGenerateTotal,
			statementGenerateLatency,
			automationJobTotal,
			automationJobLatency,
			automationItemsTotal,
		)
	})
}

// Handler exposes the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncCharge(result string) {
	if chargesTotal != nil {
		chargesTotal.WithLabelValues(result).Inc()
	}
}

func IncReminder(kind, channel, result string) {
	if remindersTotal != nil {
		remindersTotal.WithLabelValues(kind, channel, result).Inc()
	}
}

func ObserveStatementGenerate(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if statementGenerateTotal != nil {
		statementGenerateTotal.WithLabelValues(result).Inc()
	}
	if statementGenerateLatency != nil {
		statementGenerateLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveJob records one job run for one tenant.
func ObserveJob(job, status string, processed, failed, skipped int, duration time.Duration) {
	if automationJobTotal != nil {
		automationJobTotal.WithLabelValues(job, status).Inc()
	}
	if automationJobLatency != nil {
		automationJobLatency.WithLabelValues(job).Observe(duration.Seconds())
	}
	if automationItemsTotal != nil {
		automationItemsTotal.WithLabelValues(job, "processed").Add(float64(processed))
		automationItemsTotal.WithLabelValues(job, "failed").Add(float64(failed))
		automationItemsTotal.WithLabelValues(job, "skipped").Add(float64(skipped))
	}
}
