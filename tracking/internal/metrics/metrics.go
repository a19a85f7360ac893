package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion metrics
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_webhooks_total",
			Help: "Total number of webhooks received",
		},
		[]string{"channel", "status"},
	)

	WebhookRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_webhook_rejections_total",
			Help: "Webhooks rejected at ingestion by reason",
		},
		[]string{"channel", "reason"},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracksync_ingest_duration_seconds",
			Help:    "Time from request receipt to durable enqueue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Delivery task lifecycle
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_task_transitions_total",
			Help: "Delivery task state transitions",
		},
		[]string{"target", "status"},
	)

	DuplicateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_duplicate_events_total",
			Help: "Events dropped because their idempotency key was already queued",
		},
		[]string{"source"},
	)

	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_conflicts_total",
			Help: "Conflicting deliveries to the same logical key",
		},
		[]string{"target"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_dead_letters_total",
			Help: "Tasks moved to the dead-letter set",
		},
		[]string{"target", "reason"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracksync_queue_depth",
			Help: "Delivery tasks by queue state",
		},
		[]string{"state"},
	)

	StaleTasksRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracksync_stale_tasks_requeued_total",
			Help: "In-flight tasks reclaimed by the watchdog",
		},
	)

	// Analytics store client
	StoreRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracksync_store_request_duration_seconds",
			Help:    "Duration of analytics store batch calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target", "outcome"},
	)

	StoreBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracksync_store_batch_rows",
			Help:    "Rows per analytics store call",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	StoreRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_store_rate_limited_total",
			Help: "Rate-limit responses from the analytics store",
		},
		[]string{"target"},
	)

	StoreQuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracksync_store_quota_remaining",
			Help: "Requests left in the current quota window",
		},
	)

	// Notifications
	AlertsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_alerts_recorded_total",
			Help: "Alerts recorded into aggregation buckets",
		},
		[]string{"type", "severity"},
	)

	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_notifications_dispatched_total",
			Help: "Aggregated notifications sent per channel",
		},
		[]string{"channel", "outcome"},
	)

	// Scheduler
	ScheduleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_schedule_runs_total",
			Help: "Scheduler tier runs by outcome",
		},
		[]string{"tier", "outcome"},
	)

	ScheduleRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracksync_schedule_run_duration_seconds",
			Help:    "Duration of scheduler tier runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"tier"},
	)

	// Archive
	ArchiveIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_archive_indexed_total",
			Help: "Canonical events written to the archive",
		},
		[]string{"outcome"},
	)
)
