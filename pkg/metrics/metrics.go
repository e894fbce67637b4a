package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job queue metrics
var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind", "result"}, // result: created/deduplicated
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_jobs_processed_total",
			Help: "Total number of job executions by outcome",
		},
		[]string{"kind", "outcome"}, // outcome: completed/retried/rate_limited/dead/cancelled
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rolo_job_duration_seconds",
			Help:    "Job handler execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0},
		},
		[]string{"kind"},
	)

	JobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rolo_jobs_pending",
			Help: "Jobs currently waiting to run",
		},
	)

	JobsDead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rolo_jobs_dead",
			Help: "Jobs that exhausted their retry budget and need operator action",
		},
	)

	JobLeasesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_job_leases_expired_total",
			Help: "Jobs requeued because a worker lease expired",
		},
	)
)

// Mailbox sync metrics
var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_sync_runs_total",
			Help: "Sync executions by mode and outcome",
		},
		[]string{"mode", "outcome"}, // mode: initial/incremental/backfill
	)

	SyncPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_sync_pages_total",
			Help: "Message pages fetched and committed",
		},
	)

	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_messages_ingested_total",
			Help: "Messages parsed and stored",
		},
	)

	MessagesQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_messages_quarantined_total",
			Help: "Messages quarantined as permanently unparseable",
		},
	)

	MailboxRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_mailbox_rate_limited_total",
			Help: "Mailbox API calls rejected by provider throttling",
		},
	)

	MailboxCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_mailbox_calls_total",
			Help: "Mailbox API calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	CursorResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_cursor_resets_total",
			Help: "Times a stored cursor was rejected as expired and sync restarted from now",
		},
	)
)

// Contact extraction metrics
var (
	ExtractionCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_extraction_candidates_total",
			Help: "Contact candidates produced per strategy",
		},
		[]string{"strategy"},
	)

	ExtractionStrategyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_extraction_strategy_errors_total",
			Help: "Strategy failures degraded to zero candidates",
		},
		[]string{"strategy"},
	)

	ContactsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_contacts_created_total",
			Help: "New contacts created from extraction",
		},
	)

	ContactFieldsBackfilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_contact_fields_backfilled_total",
			Help: "Contact fields filled or upgraded by higher-confidence evidence",
		},
	)
)

// Webhook ingress metrics
var (
	WebhookReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_webhook_received_total",
			Help: "Push notifications received by result",
		},
		[]string{"result"}, // accepted/unknown_account/unauthorized/enqueue_failed
	)
)

// Raw message archive metrics
var (
	S3Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolo_s3_operations_total",
			Help: "S3 operations by type and result",
		},
		[]string{"operation", "result"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rolo_s3_operation_duration_seconds",
			Help:    "S3 operation latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		},
		[]string{"operation"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_cache_hits_total",
			Help: "Raw message cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_cache_misses_total",
			Help: "Raw message cache misses",
		},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rolo_cache_size_bytes",
			Help: "Bytes currently held in the raw message cache",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rolo_cache_evictions_total",
			Help: "Objects evicted from the raw message cache",
		},
	)
)

// Database pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rolo_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"pool"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rolo_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"pool"},
	)

	DBPoolAcquiredConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rolo_db_pool_acquired_conns",
			Help: "Connections currently acquired from the database pool",
		},
		[]string{"pool"},
	)
)

// Aggregate entity counts, refreshed by the Collector
var (
	TotalAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rolo_accounts_total",
			Help: "Linked accounts",
		},
	)

	TotalMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rolo_messages_total",
			Help: "Stored messages",
		},
	)

	TotalContacts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rolo_contacts_total",
			Help: "Live contacts",
		},
	)

	TotalInteractions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rolo_interactions_total",
			Help: "Recorded interactions",
		},
	)
)
