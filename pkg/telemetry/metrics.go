package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the audit engine.
// A nil *Metrics and a disabled instance are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runScore      prometheus.Histogram
	finalizations *prometheus.CounterVec

	// Step metrics
	stepsExecuted     *prometheus.CounterVec
	stepDuration      prometheus.Histogram
	evaluatorDuration *prometheus.HistogramVec

	// Context cache metrics
	cacheLookups *prometheus.CounterVec

	// Batch metrics
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchOutcomes    *prometheus.CounterVec

	// Webhook metrics
	webhookAttempts   *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns    prometheus.Gauge
	inflightSteps prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of audit runs started",
			},
			[]string{"source"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of audit runs that reached a terminal state",
			},
			[]string{"status", "tier"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of audit runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		runScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_score_percentage",
				Help:      "Compliance percentage of completed runs",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
		),
		finalizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "finalizations_total",
				Help:      "Finalizer invocations by outcome",
			},
			[]string{"outcome"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Step worker executions by outcome",
			},
			[]string{"outcome"},
		),
		stepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step worker executions in seconds",
				Buckets:   buckets,
			},
		),
		evaluatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluator_duration_seconds",
				Help:      "Duration of evaluator calls in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_cache_lookups_total",
				Help:      "Context cache lookups by result",
			},
			[]string{"result"},
		),

		batchesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_started_total",
				Help:      "Total number of batches started",
			},
		),
		batchesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_completed_total",
				Help:      "Total number of batches finalized",
			},
			[]string{"timed_out"},
		),
		batchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_outcomes_total",
				Help:      "Run outcomes observed by the batch coordinator",
			},
			[]string{"result"},
		),

		webhookAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_attempts_total",
				Help:      "Webhook delivery attempts by result",
			},
			[]string{"event", "result"},
		),
		webhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Webhook deliveries by final status",
			},
			[]string{"event", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of audit runs in the running state",
			},
		),
		inflightSteps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_steps",
				Help:      "Number of step evaluations currently running on this replica",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.runScore,
		m.finalizations,
		m.stepsExecuted,
		m.stepDuration,
		m.evaluatorDuration,
		m.cacheLookups,
		m.batchesStarted,
		m.batchesCompleted,
		m.batchOutcomes,
		m.webhookAttempts,
		m.webhookDeliveries,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.inflightSteps,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(source string) {
	if !m.enabled() {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.runsStarted.WithLabelValues(source).Inc()
}

// RecordRunCompleted records a scored run.
func (m *Metrics) RecordRunCompleted(tier string, score float64, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsFinished.WithLabelValues("completed", tier).Inc()
	m.runDuration.WithLabelValues("completed").Observe(duration.Seconds())
	m.runScore.Observe(score)
}

// RecordRunFailed records a run that ended without a score.
func (m *Metrics) RecordRunFailed(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsFinished.WithLabelValues("failed", "").Inc()
	m.runDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordFinalization records a finalizer outcome (completed, waiting, skipped, error).
func (m *Metrics) RecordFinalization(outcome string) {
	if !m.enabled() {
		return
	}
	m.finalizations.WithLabelValues(outcome).Inc()
}

// Step Metrics

// RecordStepExecution records a step worker outcome (evaluated, fallback, checkpoint, duplicate).
func (m *Metrics) RecordStepExecution(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(outcome).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

// RecordEvaluatorCall records the latency of one evaluator call.
func (m *Metrics) RecordEvaluatorCall(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.evaluatorDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// StepStarted increments the in-flight step gauge.
func (m *Metrics) StepStarted() {
	if !m.enabled() {
		return
	}
	m.inflightSteps.Inc()
}

// StepFinished decrements the in-flight step gauge.
func (m *Metrics) StepFinished() {
	if !m.enabled() {
		return
	}
	m.inflightSteps.Dec()
}

// Cache Metrics

// RecordCacheLookup records a context cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Batch Metrics

// RecordBatchStarted increments the batch counter.
func (m *Metrics) RecordBatchStarted() {
	if !m.enabled() {
		return
	}
	m.batchesStarted.Inc()
}

// RecordBatchOutcome records a run outcome seen by the batch coordinator
// (succeeded, failed, duplicate, orphan).
func (m *Metrics) RecordBatchOutcome(result string) {
	if !m.enabled() {
		return
	}
	m.batchOutcomes.WithLabelValues(result).Inc()
}

// RecordBatchCompleted records a batch finalization.
func (m *Metrics) RecordBatchCompleted(timedOut bool) {
	if !m.enabled() {
		return
	}
	label := "false"
	if timedOut {
		label = "true"
	}
	m.batchesCompleted.WithLabelValues(label).Inc()
}

// Webhook Metrics

// RecordWebhookAttempt records a single delivery attempt.
func (m *Metrics) RecordWebhookAttempt(event string, ok bool) {
	if !m.enabled() {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.webhookAttempts.WithLabelValues(event, result).Inc()
}

// RecordWebhookDelivery records the final status of a delivery.
func (m *Metrics) RecordWebhookDelivery(event, status string) {
	if !m.enabled() {
		return
	}
	m.webhookDeliveries.WithLabelValues(event, status).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveRuns sets the current number of running audit runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if !m.enabled() {
		return
	}
	m.activeRuns.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
