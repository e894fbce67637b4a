package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/pkg/faults"
)

type rescheduleCall struct {
	jobID        int64
	runAt        time.Time
	countAttempt bool
	lastError    string
}

// fakeStore is an in-memory JobStore recording every state transition.
type fakeStore struct {
	mu sync.Mutex

	nextID    int64
	pending   []*db.Job
	liveKeys  map[string]*db.Job
	completed []int64
	failed    map[int64]string
	resched   []rescheduleCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		liveKeys: make(map[string]*db.Job),
		failed:   make(map[int64]string),
	}
}

func (s *fakeStore) InsertJob(_ context.Context, req db.InsertJobRequest) (*db.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.DedupeKey != "" {
		if live, ok := s.liveKeys[req.DedupeKey]; ok {
			return live, false, nil
		}
	}
	s.nextID++
	job := &db.Job{
		ID:          s.nextID,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		State:       db.JobPending,
		RunAt:       req.RunAt,
		MaxAttempts: req.MaxAttempts,
	}
	if req.DedupeKey != "" {
		key := req.DedupeKey
		job.DedupeKey = &key
		s.liveKeys[key] = job
	}
	s.pending = append(s.pending, job)
	return job, true, nil
}

func (s *fakeStore) ClaimJob(_ context.Context, workerID string, kinds []string, lease time.Duration) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	for i, job := range s.pending {
		if !kindIn(job.Kind, kinds) || job.RunAt.After(time.Now()) {
			continue
		}
		if best == -1 || job.Priority > s.pending[best].Priority {
			best = i
		}
	}
	if best == -1 {
		return nil, db.ErrNotFound
	}
	job := s.pending[best]
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	job.State = db.JobProcessing
	job.Attempts++
	job.ClaimedBy = &workerID
	expires := time.Now().Add(lease)
	job.LeaseExpiresAt = &expires
	return job, nil
}

func kindIn(kind string, kinds []string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *fakeStore) ExtendLease(context.Context, int64, string, time.Duration) error {
	return nil
}

func (s *fakeStore) CompleteJob(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, jobID)
	s.releaseKey(jobID)
	return nil
}

func (s *fakeStore) RescheduleJob(_ context.Context, jobID int64, runAt time.Time, countAttempt bool, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resched = append(s.resched, rescheduleCall{jobID, runAt, countAttempt, lastError})
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, jobID int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[jobID] = lastError
	s.releaseKey(jobID)
	return nil
}

func (s *fakeStore) releaseKey(jobID int64) {
	for key, job := range s.liveKeys {
		if job.ID == jobID {
			delete(s.liveKeys, key)
		}
	}
}

func (s *fakeStore) RequeueExpiredLeases(context.Context) (int64, int64, error) {
	return 0, 0, nil
}

func (s *fakeStore) PurgeTerminalJobs(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func newTestManager(t *testing.T, store JobStore) *Manager {
	t.Helper()
	m, err := New(store, config.QueueConfig{
		Workers:        1,
		LeaseTimeout:   "1m",
		ReapInterval:   "1m",
		MaxAttempts:    3,
		InitialBackoff: "10s",
		MaxBackoff:     "5m",
		ClaimIdleSleep: "10ms",
	})
	require.NoError(t, err)
	return m
}

func TestEnqueueCoalescesOnDedupeKey(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)

	first, inserted, err := m.Enqueue(context.Background(), KindSyncAccount,
		&SyncPayload{AccountID: 7}, WithDedupeKey(SyncDedupeKey(7)))
	require.NoError(t, err)
	assert.True(t, inserted)

	// A storm of repeat triggers lands on the same live job.
	for i := 0; i < 50; i++ {
		job, inserted, err := m.Enqueue(context.Background(), KindSyncAccount,
			&SyncPayload{AccountID: 7}, WithDedupeKey(SyncDedupeKey(7)))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, first.ID, job.ID)
	}
	assert.Len(t, store.pending, 1)
}

func TestEnqueueDedupeKeyFreedByCompletion(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	first, inserted, err := m.Enqueue(ctx, KindSyncAccount,
		&SyncPayload{AccountID: 7}, WithDedupeKey(SyncDedupeKey(7)))
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.CompleteJob(ctx, first.ID))

	_, inserted, err = m.Enqueue(ctx, KindSyncAccount,
		&SyncPayload{AccountID: 7}, WithDedupeKey(SyncDedupeKey(7)))
	require.NoError(t, err)
	assert.True(t, inserted, "completed job must release its dedupe key")
}

func TestClaimPrefersHigherPriority(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	_, _, err := m.Enqueue(ctx, KindExtract, &ExtractPayload{AccountID: 1, MessageID: 1},
		WithPriority(PriorityLow))
	require.NoError(t, err)
	urgent, _, err := m.Enqueue(ctx, KindExtract, &ExtractPayload{AccountID: 1, MessageID: 2},
		WithPriority(PriorityCritical))
	require.NoError(t, err)

	claimed, err := store.ClaimJob(ctx, "w", []string{KindExtract}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, claimed.ID)
}

func TestScheduledJobNotClaimedEarly(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	_, _, err := m.Enqueue(ctx, KindRenewWatch, &RenewWatchPayload{AccountID: 1},
		WithRunAt(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = store.ClaimJob(ctx, "w", []string{KindRenewWatch}, time.Minute)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func claimAndRun(t *testing.T, m *Manager, store *fakeStore, kind string) *db.Job {
	t.Helper()
	job, err := store.ClaimJob(context.Background(), "w", []string{kind}, time.Minute)
	require.NoError(t, err)
	m.runJob(context.Background(), "w", job)
	return job
}

func TestTransientFailureReschedulesWithGrowingDelay(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	m.Register(KindExtract, func(context.Context, *db.Job) error {
		return faults.Transient(errors.New("connection reset"))
	})

	_, _, err := m.Enqueue(context.Background(), KindExtract,
		&ExtractPayload{AccountID: 1, MessageID: 1})
	require.NoError(t, err)

	job := claimAndRun(t, m, store, KindExtract)
	require.Len(t, store.resched, 1)
	call := store.resched[0]
	assert.Equal(t, job.ID, call.jobID)
	assert.True(t, call.countAttempt, "transient failure must charge the attempt")
	assert.True(t, call.runAt.After(time.Now()), "retry must be delayed")

	// Later attempts back off at least as far as earlier ones (modulo jitter
	// halving, delay for attempt n+1 is >= half the cap growth of attempt n).
	d1 := m.backoff(1)
	d3 := m.backoff(3)
	assert.GreaterOrEqual(t, d3, d1)
}

func TestTransientFailureExhaustsBudget(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	m.Register(KindExtract, func(context.Context, *db.Job) error {
		return faults.Transient(errors.New("connection reset"))
	})

	job, _, err := m.Enqueue(context.Background(), KindExtract,
		&ExtractPayload{AccountID: 1, MessageID: 1}, WithMaxAttempts(2))
	require.NoError(t, err)

	// First attempt: rescheduled.
	claimed := claimAndRun(t, m, store, KindExtract)
	require.Len(t, store.resched, 1)

	// Second attempt: budget gone, job goes dead.
	store.mu.Lock()
	claimed.State = db.JobPending
	store.pending = append(store.pending, claimed)
	store.mu.Unlock()
	claimAndRun(t, m, store, KindExtract)

	assert.Contains(t, store.failed, job.ID)
	assert.Len(t, store.resched, 1, "no reschedule once the budget is spent")
}

func TestRateLimitDoesNotChargeAttempt(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	m.Register(KindSyncAccount, func(context.Context, *db.Job) error {
		return faults.RateLimited(errors.New("429 too many requests"), 45*time.Second)
	})

	_, _, err := m.Enqueue(context.Background(), KindSyncAccount, &SyncPayload{AccountID: 1})
	require.NoError(t, err)

	claimAndRun(t, m, store, KindSyncAccount)
	require.Len(t, store.resched, 1)
	call := store.resched[0]
	assert.False(t, call.countAttempt, "throttling must not consume retry budget")
	assert.WithinDuration(t, time.Now().Add(45*time.Second), call.runAt, 5*time.Second,
		"provider-given delay is honored")
	assert.Empty(t, store.failed)
}

func TestPermanentFailureGoesDeadImmediately(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	m.Register(KindExtract, func(context.Context, *db.Job) error {
		return faults.Permanent(errors.New("unparseable payload"))
	})

	job, _, err := m.Enqueue(context.Background(), KindExtract,
		&ExtractPayload{AccountID: 1, MessageID: 1})
	require.NoError(t, err)

	claimAndRun(t, m, store, KindExtract)
	assert.Contains(t, store.failed, job.ID)
	assert.Empty(t, store.resched, "permanent failures never retry")
}

func TestPanickingHandlerDeadLettersJob(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	m.Register(KindExtract, func(context.Context, *db.Job) error {
		panic("boom")
	})

	job, _, err := m.Enqueue(context.Background(), KindExtract,
		&ExtractPayload{AccountID: 1, MessageID: 1})
	require.NoError(t, err)

	// Must not panic through.
	claimAndRun(t, m, store, KindExtract)
	assert.Contains(t, store.failed, job.ID)
}

func TestSuccessCompletesJob(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)
	m.Register(KindExtract, func(context.Context, *db.Job) error { return nil })

	job, _, err := m.Enqueue(context.Background(), KindExtract,
		&ExtractPayload{AccountID: 1, MessageID: 1})
	require.NoError(t, err)

	claimAndRun(t, m, store, KindExtract)
	assert.Equal(t, []int64{job.ID}, store.completed)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)

	_, _, err := m.Enqueue(context.Background(), KindSyncAccount, &SyncPayload{})
	require.Error(t, err, "a payload failing validation is rejected at the producer")
	assert.Empty(t, store.pending, "nothing reaches the store")

	_, _, err = m.Enqueue(context.Background(), KindExtract, &ExtractPayload{AccountID: 1})
	require.Error(t, err)
	assert.Empty(t, store.pending)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	var p ExtractPayload
	assert.Error(t, DecodePayload([]byte(`{`), &p))
	assert.Error(t, DecodePayload([]byte(`{}`), &p), "zero ids must not validate")
	assert.NoError(t, DecodePayload([]byte(`{"account_id":1,"message_id":2}`), &p))
}

func TestStartRequiresHandlers(t *testing.T) {
	m := newTestManager(t, newFakeStore())
	assert.Error(t, m.Start(context.Background()))
}

func TestWorkerPoolEndToEnd(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store)

	done := make(chan int64, 1)
	m.Register(KindExtract, func(_ context.Context, job *db.Job) error {
		var p ExtractPayload
		if err := DecodePayload(job.Payload, &p); err != nil {
			return faults.Permanent(err)
		}
		done <- p.MessageID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	_, _, err := m.Enqueue(ctx, KindExtract, &ExtractPayload{AccountID: 1, MessageID: 42})
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, int64(42), id)
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}
