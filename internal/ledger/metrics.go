package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLeasesGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_leases_granted_total",
			Help: "Number of queue rows leased, by queue.",
		}, []string{"queue"})

	metricRetryBudgetExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_retry_budget_exhausted_total",
			Help: "Number of queue rows failed permanently after too many leases.",
		}, []string{"queue"})

	metricResponsesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_flow_responses_written_total",
			Help: "Number of flow responses written.",
		})

	metricBlobsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_blobs_written_total",
			Help: "Number of new blobs stored.",
		})

	metricBlobsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_blobs_deduplicated_total",
			Help: "Number of blob writes short-circuited because the content already existed.",
		})

	metricBlobBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_blob_bytes_written_total",
			Help: "Plaintext bytes written to the vault.",
		})

	metricApprovalChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_approval_checks_total",
			Help: "Approval authorization checks, by outcome.",
		}, []string{"outcome"})
)

const (
	queueClientAction   = "client_action"
	queueFlowProcessing = "flow_processing"
	queueCron           = "cron"
)
