package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converter_jobs_finished_total",
		Help: "Jobs that reached a terminal state, by tool, operation and status.",
	}, []string{"tool", "operation", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "converter_job_processing_seconds",
		Help:    "Time from job creation to completion for successful jobs.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
	}, []string{"tool", "operation"})

	stepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converter_pipeline_step_failures_total",
		Help: "Pipeline step failures, by step and error kind.",
	}, []string{"step", "kind"})

	leaseLosses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converter_pipeline_lease_lost_total",
		Help: "Runs abandoned because another worker took over the job lease.",
	})
)
