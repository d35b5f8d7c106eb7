// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsRun counts dispatched jobs by kind and result (ok, error, skipped).
	JobsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "jobs_run_total",
		Help:      "Scheduled jobs dispatched, by kind and result.",
	}, []string{"kind", "result"})

	// JobDuration observes handler run time by kind.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gamedaylive",
		Name:      "job_duration_seconds",
		Help:      "Job handler duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// JobsScheduled counts jobs written to the queue by kind.
	JobsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "jobs_scheduled_total",
		Help:      "Jobs scheduled, by kind.",
	}, []string{"kind"})

	// Polls counts conditional fetches by outcome (changed, unchanged, error).
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "polls_total",
		Help:      "Game polls, by outcome.",
	}, []string{"outcome"})

	// ThreadsCreated counts posts created by thread kind.
	ThreadsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "threads_created_total",
		Help:      "Threads created, by kind.",
	}, []string{"kind"})

	// ThreadEdits counts post edits by thread kind.
	ThreadEdits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "thread_edits_total",
		Help:      "Thread body edits, by kind.",
	}, []string{"kind"})

	// Retries counts rescheduled retries by operation.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "retries_total",
		Help:      "Retries scheduled by the retry policy, by operation.",
	}, []string{"operation"})

	// Abandoned counts games or runs given up after the retry ceiling.
	Abandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "abandoned_total",
		Help:      "Operations abandoned after exhausting retries, by operation.",
	}, []string{"operation"})

	// Cleanups counts retired threads by kind.
	Cleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamedaylive",
		Name:      "cleanups_total",
		Help:      "Threads retired, by kind.",
	}, []string{"kind"})
)
