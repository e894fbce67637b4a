package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/pkg/metrics"
)

// Start launches the worker pool, the lease reaper, and the terminal-job
// purger. It returns immediately; Stop blocks until in-flight jobs finish.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.handlers) == 0 {
		return errors.New("queue: no handlers registered")
	}

	for n := 0; n < m.workers; n++ {
		m.wg.Add(1)
		go m.workerLoop(ctx, m.workerID(n))
	}
	m.wg.Add(1)
	go m.reaperLoop(ctx)

	logger.Info("queue started", "workers", m.workers, "kinds", m.kinds,
		"lease_timeout", m.leaseTimeout)
	return nil
}

// Stop shuts the pool down and waits for workers to drain. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	logger.Info("queue stopped")
}

func (m *Manager) workerLoop(ctx context.Context, workerID string) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.ClaimJob(ctx, workerID, m.kinds, m.leaseTimeout)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				m.idle(ctx)
				continue
			}
			logger.Error("failed to claim job", "worker", workerID, "error", err)
			m.idle(ctx)
			continue
		}

		m.runJob(ctx, workerID, job)
	}
}

// idle waits for a notify, the idle timeout, or shutdown.
func (m *Manager) idle(ctx context.Context) {
	timer := time.NewTimer(m.claimIdleSleep)
	defer timer.Stop()
	select {
	case <-m.notifyCh:
	case <-timer.C:
	case <-m.stopCh:
	case <-ctx.Done():
	}
}

func (m *Manager) runJob(ctx context.Context, workerID string, job *db.Job) {
	start := time.Now()
	logger.Debug("job claimed", "worker", workerID, "job_id", job.ID,
		"kind", job.Kind, "attempt", job.Attempts)

	handler := m.handlers[job.Kind]
	if handler == nil {
		// Claim filters on registered kinds, so this means the registry
		// changed under us. Dead-letter rather than guess.
		m.settle(ctx, job, faults.Invariant(
			fmt.Errorf("no handler for kind %s", job.Kind)), start)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go m.heartbeat(hbCtx, workerID, job.ID)

	err := m.invoke(ctx, job, handler)
	stopHeartbeat()
	m.settle(ctx, job, err, start)
}

// heartbeat extends the lease while the handler runs, so a legitimately slow
// job is not stolen by the reaper. A job whose worker dies stops heartbeating
// and is recovered after one lease timeout.
func (m *Manager) heartbeat(ctx context.Context, workerID string, jobID int64) {
	interval := m.leaseTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.ExtendLease(ctx, jobID, workerID, m.leaseTimeout); err != nil {
				logger.Warn("failed to extend job lease", "job_id", jobID, "error", err)
			}
		}
	}
}

// invoke runs the handler with panic isolation. A panicking handler must not
// take down the worker pool; the job fails as an invariant violation.
func (m *Manager) invoke(ctx context.Context, job *db.Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panicked", "job_id", job.ID, "kind", job.Kind, "panic", r)
			err = faults.Invariant(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

// settle decides a finished job's fate from its error class.
func (m *Manager) settle(ctx context.Context, job *db.Job, jobErr error, start time.Time) {
	metrics.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())

	if jobErr == nil {
		if err := m.store.CompleteJob(ctx, job.ID); err != nil {
			logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		}
		metrics.JobsProcessed.WithLabelValues(job.Kind, "completed").Inc()
		return
	}

	switch faults.ClassOf(jobErr) {
	case faults.KindRateLimited:
		// Provider throttling is not a job failure. Refund the attempt so a
		// busy hour cannot exhaust the retry budget.
		delay := faults.RetryAfterOf(jobErr)
		if delay <= 0 {
			delay = m.backoff(job.RateLimits + 1)
		}
		logger.Info("job rate limited", "job_id", job.ID, "kind", job.Kind,
			"retry_in", delay)
		if err := m.store.RescheduleJob(ctx, job.ID, time.Now().Add(delay), false, jobErr.Error()); err != nil {
			logger.Error("failed to reschedule rate-limited job", "job_id", job.ID, "error", err)
		}
		metrics.JobsProcessed.WithLabelValues(job.Kind, "rate_limited").Inc()

	case faults.KindPermanent, faults.KindInvariant, faults.KindAuthExpired:
		logger.Warn("job failed permanently", "job_id", job.ID, "kind", job.Kind,
			"attempt", job.Attempts, "error", jobErr)
		if err := m.store.FailJob(ctx, job.ID, jobErr.Error()); err != nil {
			logger.Error("failed to dead-letter job", "job_id", job.ID, "error", err)
		}
		metrics.JobsProcessed.WithLabelValues(job.Kind, "dead").Inc()

	default: // transient
		if job.Attempts >= job.MaxAttempts {
			logger.Warn("job exhausted retry budget", "job_id", job.ID,
				"kind", job.Kind, "attempts", job.Attempts, "error", jobErr)
			if err := m.store.FailJob(ctx, job.ID, jobErr.Error()); err != nil {
				logger.Error("failed to dead-letter job", "job_id", job.ID, "error", err)
			}
			metrics.JobsProcessed.WithLabelValues(job.Kind, "dead").Inc()
			return
		}
		delay := m.backoff(job.Attempts)
		logger.Info("job failed, retrying", "job_id", job.ID, "kind", job.Kind,
			"attempt", job.Attempts, "retry_in", delay, "error", jobErr)
		if err := m.store.RescheduleJob(ctx, job.ID, time.Now().Add(delay), true, jobErr.Error()); err != nil {
			logger.Error("failed to reschedule job", "job_id", job.ID, "error", err)
		}
		metrics.JobsProcessed.WithLabelValues(job.Kind, "retried").Inc()
	}
}

// reaperLoop recovers expired leases and purges old terminal jobs.
func (m *Manager) reaperLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, died, err := m.store.RequeueExpiredLeases(ctx)
			if err != nil {
				logger.Error("lease reaper failed", "error", err)
				continue
			}
			if requeued > 0 || died > 0 {
				logger.Warn("recovered expired job leases",
					"requeued", requeued, "dead", died)
				metrics.JobLeasesExpired.Add(float64(requeued + died))
				m.notify()
			}

			purged, err := m.store.PurgeTerminalJobs(ctx, time.Now().Add(-m.completedMaxAge))
			if err != nil {
				logger.Error("job purge failed", "error", err)
			} else if purged > 0 {
				logger.Debug("purged terminal jobs", "count", purged)
			}
		}
	}
}
