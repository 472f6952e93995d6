package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFlowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_worker_flow_rounds_total",
			Help: "Flow processing rounds, by outcome.",
		}, []string{"outcome"})

	metricCronRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_worker_cron_runs_total",
			Help: "Cron job runs, by final status.",
		}, []string{"status"})

	metricCronRunSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_worker_cron_run_seconds",
			Help:    "Wall time of cron job runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		})
)
