// Package queue runs durable background work on top of PostgreSQL. Jobs
// survive restarts, are claimed under short leases with SKIP LOCKED, retry
// with exponential backoff, and land in a dead letter state when their
// attempt budget runs out. Enqueueing with a dedupe key coalesces redundant
// work into the live job holding that key.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/pkg/retry"
)

// JobStore is the persistence surface the queue needs. *db.Database
// implements it.
type JobStore interface {
	InsertJob(ctx context.Context, req db.InsertJobRequest) (*db.Job, bool, error)
	ClaimJob(ctx context.Context, workerID string, kinds []string, lease time.Duration) (*db.Job, error)
	ExtendLease(ctx context.Context, jobID int64, workerID string, lease time.Duration) error
	CompleteJob(ctx context.Context, jobID int64) error
	RescheduleJob(ctx context.Context, jobID int64, runAt time.Time, countAttempt bool, lastError string) error
	FailJob(ctx context.Context, jobID int64, lastError string) error
	RequeueExpiredLeases(ctx context.Context) (requeued, died int64, err error)
	PurgeTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Handler runs one claimed job. The returned error's fault class decides the
// job's fate: nil completes, transient reschedules with backoff, rate-limited
// reschedules without charging the attempt, anything permanent goes dead.
type Handler func(ctx context.Context, job *db.Job) error

// Manager owns the worker pool and the enqueue API.
type Manager struct {
	store    JobStore
	handlers map[string]Handler
	kinds    []string

	workers         int
	leaseTimeout    time.Duration
	reapInterval    time.Duration
	claimIdleSleep  time.Duration
	completedMaxAge time.Duration
	maxAttempts     int
	backoff         func(attempt int) time.Duration

	hostname string

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Manager from configuration. Handlers are registered afterwards
// with Register; Start refuses to run with none.
func New(store JobStore, cfg config.QueueConfig) (*Manager, error) {
	leaseTimeout, err := cfg.GetLeaseTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid lease_timeout: %w", err)
	}
	reapInterval, err := cfg.GetReapInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid reap_interval: %w", err)
	}
	initialBackoff, err := cfg.GetInitialBackoff()
	if err != nil {
		return nil, fmt.Errorf("invalid initial_backoff: %w", err)
	}
	maxBackoff, err := cfg.GetMaxBackoff()
	if err != nil {
		return nil, fmt.Errorf("invalid max_backoff: %w", err)
	}
	claimIdleSleep, err := cfg.GetClaimIdleSleep()
	if err != nil {
		return nil, fmt.Errorf("invalid claim_idle_sleep: %w", err)
	}
	completedMaxAge, err := cfg.GetCompletedMaxAge()
	if err != nil {
		return nil, fmt.Errorf("invalid completed_max_age: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "rolo"
	}

	return &Manager{
		store:           store,
		handlers:        make(map[string]Handler),
		workers:         cfg.GetWorkers(),
		leaseTimeout:    leaseTimeout,
		reapInterval:    reapInterval,
		claimIdleSleep:  claimIdleSleep,
		completedMaxAge: completedMaxAge,
		maxAttempts:     cfg.GetMaxAttempts(),
		backoff: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: initialBackoff,
			MaxInterval:     maxBackoff,
			Multiplier:      2.0,
			Jitter:          true,
		}),
		hostname: hostname,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register binds a handler to a job kind. Must be called before Start;
// registering the same kind twice is a programming error and panics.
func (m *Manager) Register(kind string, h Handler) {
	if _, dup := m.handlers[kind]; dup {
		panic(fmt.Sprintf("queue: duplicate handler for kind %q", kind))
	}
	m.handlers[kind] = h
	m.kinds = append(m.kinds, kind)
}

// EnqueueOption tunes one enqueue.
type EnqueueOption func(*db.InsertJobRequest)

// WithPriority overrides the default normal priority.
func WithPriority(p int) EnqueueOption {
	return func(r *db.InsertJobRequest) { r.Priority = p }
}

// WithRunAt schedules the job for a future time.
func WithRunAt(t time.Time) EnqueueOption {
	return func(r *db.InsertJobRequest) { r.RunAt = t }
}

// WithDedupeKey coalesces the job with any live job holding the same key.
func WithDedupeKey(key string) EnqueueOption {
	return func(r *db.InsertJobRequest) { r.DedupeKey = key }
}

// WithAccountID tags the job for bulk cancellation at account unlink.
func WithAccountID(id int64) EnqueueOption {
	return func(r *db.InsertJobRequest) { r.AccountID = id }
}

// WithMaxAttempts overrides the configured attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(r *db.InsertJobRequest) { r.MaxAttempts = n }
}

// Enqueue persists a job and wakes a worker. It reports whether a new job was
// created; false means an equivalent live job absorbed this one. A payload
// that fails its own validation is rejected here, so the producer learns of
// the bad job instead of a worker dead-lettering it later.
func (m *Manager) Enqueue(ctx context.Context, kind string, payload any, opts ...EnqueueOption) (*db.Job, bool, error) {
	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			metrics.JobsEnqueued.WithLabelValues(kind, "rejected").Inc()
			return nil, false, fmt.Errorf("invalid job payload: %w", err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode job payload: %w", err)
	}

	req := db.InsertJobRequest{
		Kind:        kind,
		Payload:     raw,
		Priority:    PriorityNormal,
		MaxAttempts: m.maxAttempts,
	}
	for _, opt := range opts {
		opt(&req)
	}

	job, inserted, err := m.store.InsertJob(ctx, req)
	if err != nil {
		metrics.JobsEnqueued.WithLabelValues(kind, "error").Inc()
		return nil, false, err
	}
	if inserted {
		metrics.JobsEnqueued.WithLabelValues(kind, "inserted").Inc()
		m.notify()
	} else {
		metrics.JobsEnqueued.WithLabelValues(kind, "coalesced").Inc()
	}
	return job, inserted, nil
}

// notify wakes one idle worker without blocking.
func (m *Manager) notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

func (m *Manager) workerID(n int) string {
	return fmt.Sprintf("%s-%d-%s", m.hostname, n, uuid.NewString()[:8])
}
