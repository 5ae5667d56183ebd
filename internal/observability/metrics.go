package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the pipeline-level Prometheus metrics.
//
// All metrics register against the default registry and are served from
// the standard /metrics handler by whoever embeds the core.
type Metrics struct {
	// TaskCounter counts tasks by terminal outcome.
	// Labels: outcome (complete|failed|cancelled)
	TaskCounter *prometheus.CounterVec

	// TaskDuration measures whole-task wall time in seconds.
	// Labels: outcome
	TaskDuration *prometheus.HistogramVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider, model, stage (preprocess|main|postprocess)
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider calls.
	// Labels: provider, model, stage, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	ProviderTokens *prometheus.CounterVec

	// SkillExecutionCounter counts skill invocations.
	// Labels: app_id, skill_id, mode (inline|queued), status (success|error|timeout)
	SkillExecutionCounter *prometheus.CounterVec

	// SkillExecutionDuration measures skill execution time in seconds.
	// Labels: app_id, skill_id
	SkillExecutionDuration *prometheus.HistogramVec

	// CreditsDebited counts total credits settled against user balances.
	CreditsDebited prometheus.Counter

	// ErrorCounter tracks structured errors by component and kind.
	// Labels: component, kind
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics. Call once at
// application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openmates_tasks_total",
				Help: "Total number of tasks by terminal outcome",
			},
			[]string{"outcome"},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openmates_task_duration_seconds",
				Help:    "Whole-task wall time in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 480},
			},
			[]string{"outcome"},
		),
		ProviderRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openmates_provider_request_duration_seconds",
				Help:    "Duration of model provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 180},
			},
			[]string{"provider", "model", "stage"},
		),
		ProviderRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openmates_provider_requests_total",
				Help: "Total number of provider calls by provider, model, stage, and status",
			},
			[]string{"provider", "model", "stage", "status"},
		),
		ProviderTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openmates_provider_tokens_total",
				Help: "Total number of tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		SkillExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openmates_skill_executions_total",
				Help: "Total number of skill executions by skill and status",
			},
			[]string{"app_id", "skill_id", "mode", "status"},
		),
		SkillExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openmates_skill_execution_duration_seconds",
				Help:    "Duration of skill executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"app_id", "skill_id"},
		),
		CreditsDebited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "openmates_credits_debited_total",
				Help: "Total credits settled against user balances",
			},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openmates_errors_total",
				Help: "Total structured errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
}
