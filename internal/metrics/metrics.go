package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicketsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketdesk_tickets_created_total",
			Help: "Tickets created by ingestion runs",
		},
		[]string{"queue"},
	)

	ConversationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketdesk_conversations_skipped_total",
			Help: "Conversations skipped by ingestion, by reason",
		},
		[]string{"reason"},
	)

	MailboxErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketdesk_mailbox_errors_total",
			Help: "Mailbox list and fetch failures",
		},
		[]string{"operation"}, // list, fetch
	)

	RunOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketdesk_ingest_runs_total",
			Help: "Ingestion runs by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketdesk_ingest_run_duration_seconds",
			Help:    "Wall time of ingestion runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
		[]string{"outcome"},
	)

	ReconcileDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketdesk_reconcile_deleted_total",
			Help: "Duplicate tickets deleted by reconciliation",
		},
	)

	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketdesk_db_slow_queries_total",
			Help: "Database queries slower than the slow query threshold",
		},
		[]string{"operation"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketdesk_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)
)

func RecordTicketCreated(queue string) {
	TicketsCreated.WithLabelValues(queue).Inc()
}

func RecordSkip(reason string) {
	ConversationsSkipped.WithLabelValues(reason).Inc()
}

func RecordMailboxError(operation string) {
	MailboxErrors.WithLabelValues(operation).Inc()
}

func RecordRun(trigger, outcome string, duration time.Duration) {
	RunOutcomes.WithLabelValues(trigger, outcome).Inc()
	RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordReconcileDeleted(n int) {
	ReconcileDeleted.Add(float64(n))
}

func RecordDBQuery(operation string, duration time.Duration, slow bool) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if slow {
		SlowQueries.WithLabelValues(operation).Inc()
	}
}
