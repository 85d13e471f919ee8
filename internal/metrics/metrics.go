// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	RunsSubmitted   prometheus.Counter
	RunsCompleted   prometheus.Counter
	RunsFailed      prometheus.Counter
	StageRetries    *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	AnswerCacheHits prometheus.Counter
	AnswerCacheMiss prometheus.Counter
	TasksCompleted  *prometheus.CounterVec
}

// New registers the pipeline collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "apply_agent_runs_submitted_total",
			Help: "Pipeline runs accepted for processing.",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "apply_agent_runs_completed_total",
			Help: "Pipeline runs that reached the complete stage.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "apply_agent_runs_failed_total",
			Help: "Pipeline runs that reached the failed stage.",
		}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apply_agent_stage_retries_total",
			Help: "Stage retries, by stage.",
		}, []string{"stage"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apply_agent_stage_duration_seconds",
			Help:    "Wall time per stage execution, by stage.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		AnswerCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "apply_agent_answer_cache_hits_total",
			Help: "Generation tasks served from the answer cache.",
		}),
		AnswerCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "apply_agent_answer_cache_misses_total",
			Help: "Generation tasks that required a model call.",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apply_agent_generation_tasks_total",
			Help: "Generation tasks reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
	}
}
