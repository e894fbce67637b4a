package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Job states.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobDead       = "dead"
	JobCancelled  = "cancelled"
)

// Job is one unit of queued work. Scheduled work is a pending job with a
// future run_at; there is no separate scheduled state.
type Job struct {
	ID             int64
	Kind           string
	Payload        []byte
	Priority       int
	State          string
	DedupeKey      *string
	AccountID      *int64
	RunAt          time.Time
	Attempts       int
	MaxAttempts    int
	RateLimits     int
	LeaseExpiresAt *time.Time
	ClaimedBy      *string
	LastError      *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

const jobColumns = `id, kind, payload, priority, state, dedupe_key, account_id,
	run_at, attempts, max_attempts, rate_limits, lease_expires_at, claimed_by,
	last_error, created_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Priority, &j.State,
		&j.DedupeKey, &j.AccountID, &j.RunAt, &j.Attempts, &j.MaxAttempts,
		&j.RateLimits, &j.LeaseExpiresAt, &j.ClaimedBy, &j.LastError,
		&j.CreatedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// InsertJobRequest carries the parameters for enqueueing.
type InsertJobRequest struct {
	Kind        string
	Payload     []byte
	Priority    int
	DedupeKey   string
	AccountID   int64
	RunAt       time.Time
	MaxAttempts int
}

// InsertJob enqueues a job and reports whether a row was created. A job whose
// dedupe key collides with a live (pending or processing) job is silently
// coalesced into it and inserted=false is returned.
func (db *Database) InsertJob(ctx context.Context, req InsertJobRequest) (*Job, bool, error) {
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var dedupeKey *string
	if req.DedupeKey != "" {
		dedupeKey = &req.DedupeKey
	}
	var accountID *int64
	if req.AccountID != 0 {
		accountID = &req.AccountID
	}

	// The holder of a colliding dedupe key can settle between the insert and
	// the follow-up lookup; when that happens the key is free again, so retry
	// the insert instead of reporting a phantom miss.
	for attempt := 0; ; attempt++ {
		job, err := scanJob(db.WritePool.QueryRow(ctx, `
			INSERT INTO jobs (kind, payload, priority, dedupe_key, account_id, run_at, max_attempts)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND state IN ('pending', 'processing')
			DO NOTHING
			RETURNING `+jobColumns,
			req.Kind, payload, req.Priority, dedupeKey, accountID, runAt, maxAttempts))
		if err == nil {
			return job, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}

		// Coalesced. Return the live job holding the key.
		job, err = scanJob(db.WritePool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE dedupe_key = $1 AND state IN ('pending', 'processing')`,
			req.DedupeKey))
		if err == nil {
			return job, false, nil
		}
		if !errors.Is(err, ErrNotFound) || attempt >= 2 {
			return nil, false, err
		}
	}
}

// ClaimJob atomically picks the highest-priority due job of the given kinds,
// marks it processing under a lease, and charges one attempt. SKIP LOCKED
// keeps concurrent workers from ever fighting over a row. Returns ErrNotFound
// when no work is due.
func (db *Database) ClaimJob(ctx context.Context, workerID string, kinds []string, lease time.Duration) (*Job, error) {
	return scanJob(db.WritePool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM jobs
			WHERE state = 'pending' AND run_at <= now() AND kind = ANY($3)
			ORDER BY priority DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j
		SET state = 'processing',
		    attempts = j.attempts + 1,
		    lease_expires_at = now() + make_interval(secs => $2),
		    claimed_by = $1,
		    updated_at = now()
		FROM candidate
		WHERE j.id = candidate.id
		RETURNING `+prefixedJobColumns("j."),
		workerID, lease.Seconds(), kinds))
}

// ExtendLease pushes the lease out for a long-running job still held by the
// same worker.
func (db *Database) ExtendLease(ctx context.Context, jobID int64, workerID string, lease time.Duration) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND state = 'processing' AND claimed_by = $2`,
		jobID, workerID, lease.Seconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a job done and releases its dedupe key.
func (db *Database) CompleteJob(ctx context.Context, jobID int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE jobs
		SET state = 'completed', lease_expires_at = NULL, claimed_by = NULL,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'processing'`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleJob returns a processing job to pending for a later run. With
// countAttempt=false the attempt just charged by ClaimJob is refunded and the
// rate-limit counter bumped instead: being told to slow down must not eat
// retry budget.
func (db *Database) RescheduleJob(ctx context.Context, jobID int64, runAt time.Time, countAttempt bool, lastError string) error {
	charge := 0
	rateLimited := 0
	if !countAttempt {
		charge = 1
		rateLimited = 1
	}
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE jobs
		SET state = 'pending', run_at = $2,
		    attempts = attempts - $3, rate_limits = rate_limits + $4,
		    lease_expires_at = NULL, claimed_by = NULL,
		    last_error = NULLIF($5, ''), updated_at = now()
		WHERE id = $1 AND state = 'processing'`,
		jobID, runAt, charge, rateLimited, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob moves a job to the dead letter state.
func (db *Database) FailJob(ctx context.Context, jobID int64, lastError string) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE jobs
		SET state = 'dead', lease_expires_at = NULL, claimed_by = NULL,
		    last_error = NULLIF($2, ''), updated_at = now()
		WHERE id = $1 AND state = 'processing'`, jobID, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueExpiredLeases recovers jobs whose worker died mid-flight. The attempt
// charged at claim time stays consumed, so a job that keeps killing its worker
// runs out of budget and lands in dead instead of looping forever.
func (db *Database) RequeueExpiredLeases(ctx context.Context) (requeued, died int64, err error) {
	rows, err := db.WritePool.Query(ctx, `
		UPDATE jobs
		SET state = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
		    lease_expires_at = NULL, claimed_by = NULL,
		    last_error = 'lease expired', updated_at = now()
		WHERE state = 'processing' AND lease_expires_at < now()
		RETURNING state`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return requeued, died, err
		}
		if state == JobDead {
			died++
		} else {
			requeued++
		}
	}
	return requeued, died, rows.Err()
}

// CancelJobsForAccount cancels all pending jobs of an unlinked account.
// Processing jobs are left to finish; their handlers notice the account is
// gone and complete as no-ops.
func (db *Database) CancelJobsForAccount(ctx context.Context, accountID int64) (int64, error) {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE jobs
		SET state = 'cancelled', updated_at = now()
		WHERE account_id = $1 AND state = 'pending'`, accountID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetJob fetches one job by id.
func (db *Database) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	return scanJob(db.GetReadPoolWithContext(ctx).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
}

// ListDeadJobs returns dead-lettered jobs for inspection, oldest first.
func (db *Database) ListDeadJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = 'dead' ORDER BY id ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RetryDeadJob resurrects a dead job with a fresh attempt budget. If its
// dedupe key is meanwhile held by a live job the resurrection is refused.
func (db *Database) RetryDeadJob(ctx context.Context, jobID int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE jobs
		SET state = 'pending', attempts = 0, run_at = now(),
		    last_error = NULL, updated_at = now()
		WHERE id = $1 AND state = 'dead'
		  AND (dedupe_key IS NULL OR NOT EXISTS (
			SELECT 1 FROM jobs live
			WHERE live.dedupe_key = jobs.dedupe_key
			  AND live.state IN ('pending', 'processing')))`,
		jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeTerminalJobs deletes completed and cancelled jobs older than the cutoff
// and returns how many were removed. Dead jobs are never purged automatically.
func (db *Database) PurgeTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.WritePool.Exec(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'cancelled') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func prefixedJobColumns(prefix string) string {
	return prefix + `id, ` + prefix + `kind, ` + prefix + `payload, ` +
		prefix + `priority, ` + prefix + `state, ` + prefix + `dedupe_key, ` +
		prefix + `account_id, ` + prefix + `run_at, ` + prefix + `attempts, ` +
		prefix + `max_attempts, ` + prefix + `rate_limits, ` +
		prefix + `lease_expires_at, ` + prefix + `claimed_by, ` +
		prefix + `last_error, ` + prefix + `created_at, ` + prefix + `completed_at`
}
