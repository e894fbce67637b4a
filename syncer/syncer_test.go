package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/consts"
	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/mailbox"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/queue"
)

// fakeClient serves scripted pages. List pages are keyed by page token;
// history pages likewise.
type fakeClient struct {
	profile     *mailbox.Profile
	listPages   map[string]*mailbox.Page
	historyPage map[string]*mailbox.HistoryPage
	historyErr  error
	messages    map[string]*mailbox.RawMessage
	getErr      error
	getErrs     map[string]error // per-message fetch failures

	mu          sync.Mutex
	listQueries []string
	fetched     []string
}

func (c *fakeClient) Profile(context.Context) (*mailbox.Profile, error) {
	return c.profile, nil
}

func (c *fakeClient) ListMessageIDs(_ context.Context, query, pageToken string, _ int) (*mailbox.Page, error) {
	c.mu.Lock()
	c.listQueries = append(c.listQueries, query)
	c.mu.Unlock()
	if page, ok := c.listPages[pageToken]; ok {
		return page, nil
	}
	return &mailbox.Page{}, nil
}

func (c *fakeClient) ListHistory(_ context.Context, _, pageToken string, _ int) (*mailbox.HistoryPage, error) {
	if c.historyErr != nil {
		return nil, c.historyErr
	}
	if page, ok := c.historyPage[pageToken]; ok {
		return page, nil
	}
	return &mailbox.HistoryPage{}, nil
}

func (c *fakeClient) GetMessage(_ context.Context, providerID string) (*mailbox.RawMessage, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	if err, ok := c.getErrs[providerID]; ok {
		return nil, err
	}
	c.mu.Lock()
	c.fetched = append(c.fetched, providerID)
	c.mu.Unlock()
	raw, ok := c.messages[providerID]
	if !ok {
		return nil, faults.Permanent(errors.New("message not found"))
	}
	return raw, nil
}

func (c *fakeClient) Watch(context.Context, string) (*mailbox.WatchResult, error) {
	return &mailbox.WatchResult{HistoryID: "1", ExpiresAt: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (c *fakeClient) StopWatch(context.Context) error { return nil }

// fakeSyncStore keeps everything in memory and records an event log so tests
// can assert ordering (messages land before the cursor moves).
type fakeSyncStore struct {
	mu          sync.Mutex
	account     *db.Account
	state       *db.SyncState
	nextID      int64
	messages    map[string]*db.Message
	quarantined map[string]string
	statuses    []string
	events      []string
	successes   int
	due         []*db.Account
}

func newFakeSyncStore(account *db.Account, state *db.SyncState) *fakeSyncStore {
	return &fakeSyncStore{
		account:     account,
		state:       state,
		messages:    make(map[string]*db.Message),
		quarantined: make(map[string]string),
	}
}

func (s *fakeSyncStore) GetAccount(context.Context, int64) (*db.Account, error) {
	if s.account == nil {
		return nil, db.ErrNotFound
	}
	return s.account, nil
}

func (s *fakeSyncStore) UpdateAccountStatus(_ context.Context, _ int64, status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.Status = status
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeSyncStore) UpdateAccountWatch(_ context.Context, _ int64, expiresAt time.Time) error {
	s.account.WatchExpiresAt = &expiresAt
	return nil
}

func (s *fakeSyncStore) ListAccountsDueForSync(context.Context, time.Time) ([]*db.Account, error) {
	return s.due, nil
}

func (s *fakeSyncStore) GetSyncState(context.Context, int64) (*db.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.state
	return &cp, nil
}

func (s *fakeSyncStore) AdvanceCursor(_ context.Context, _ int64, newCursor string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Version != expectedVersion {
		return db.ErrVersionConflict
	}
	s.state.Cursor = newCursor
	s.state.Version++
	s.events = append(s.events, "advance:"+newCursor)
	return nil
}

func (s *fakeSyncStore) ResetSyncState(_ context.Context, _ int64, cursor string, historyGap bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Cursor = cursor
	s.state.Mode = db.SyncModeInitial
	s.state.Version++
	s.state.HistoryGap = historyGap
	s.state.BackfillUntil = nil
	s.state.BackfillDone = false
	s.events = append(s.events, "reset:"+cursor)
	return nil
}

func (s *fakeSyncStore) SetSyncMode(_ context.Context, _ int64, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Mode = mode
	return nil
}

func (s *fakeSyncStore) SetBackfillProgress(_ context.Context, _ int64, until time.Time, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.BackfillUntil = &until
	s.state.BackfillDone = done
	s.events = append(s.events, fmt.Sprintf("backfill:%s:%v", until.Format("2006-01-02"), done))
	return nil
}

func (s *fakeSyncStore) MarkSyncSuccess(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	return nil
}

func (s *fakeSyncStore) UpsertMessage(_ context.Context, m *db.Message) (*db.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[m.ProviderMessageID]; ok {
		return existing, false, nil
	}
	s.nextID++
	cp := *m
	cp.ID = s.nextID
	s.messages[m.ProviderMessageID] = &cp
	s.events = append(s.events, "store:"+m.ProviderMessageID)
	return &cp, true, nil
}

func (s *fakeSyncStore) QuarantineMessage(_ context.Context, _ int64, providerMessageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[providerMessageID] = reason
	return nil
}

type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *fakeArchive) Put(_ context.Context, hash string, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[hash] = body
	return nil
}

type fakeJobs struct {
	mu       sync.Mutex
	enqueued []string // kind strings in order
}

func (j *fakeJobs) Enqueue(_ context.Context, kind string, _ any, _ ...queue.EnqueueOption) (*db.Job, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enqueued = append(j.enqueued, kind)
	return &db.Job{ID: int64(len(j.enqueued)), Kind: kind}, true, nil
}

func (j *fakeJobs) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.enqueued...)
}

func rawMessage(id, from, to, subject string, date time.Time) *mailbox.RawMessage {
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nhello\r\n",
		from, to, subject, date.Format(time.RFC1123Z))
	return &mailbox.RawMessage{
		ProviderID:   id,
		ThreadID:     "thread-" + id,
		LabelIDs:     []string{"INBOX"},
		InternalDate: date,
		Snippet:      "hello",
		Raw:          []byte(raw),
	}
}

func testAccount() *db.Account {
	return &db.Account{ID: 7, Email: "owner@example.com", Provider: "gmail", Status: db.AccountNeverSynced}
}

func newTestSyncer(t *testing.T, store Store, client mailbox.Client, jobs *fakeJobs) *Syncer {
	t.Helper()
	s, err := New(store,
		func(context.Context, *db.Account) (mailbox.Client, error) { return client, nil },
		&fakeArchive{}, nil, jobs,
		config.SyncConfig{
			PollInterval:     "1m",
			PageSize:         100,
			FetchConcurrency: 2,
			InitialWindow:    "720h",  // 30d
			BackfillWindow:   "2160h", // 90d
			BackfillHorizon:  "4320h", // 180d
		}, "projects/test/topics/mail")
	require.NoError(t, err)
	return s
}

func TestInitialSyncAnchorsCursorThenGoesIncremental(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		profile: &mailbox.Profile{Email: "owner@example.com", HistoryID: "1000"},
		listPages: map[string]*mailbox.Page{
			"":   {MessageIDs: []string{"m1", "m2"}, NextPageToken: "p2"},
			"p2": {MessageIDs: []string{"m3"}},
		},
		messages: map[string]*mailbox.RawMessage{
			"m1": rawMessage("m1", "alice@acme.com", "owner@example.com", "hi", now.Add(-time.Hour)),
			"m2": rawMessage("m2", "bob@acme.com", "owner@example.com", "re", now.Add(-2*time.Hour)),
			"m3": rawMessage("m3", "owner@example.com", "alice@acme.com", "out", now.Add(-3*time.Hour)),
		},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{AccountID: 7, Mode: db.SyncModeInitial})
	jobs := &fakeJobs{}
	s := newTestSyncer(t, store, client, jobs)

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""))

	assert.Len(t, store.messages, 3)
	assert.Equal(t, "1000", store.state.Cursor, "cursor anchors at the pre-listing profile history id")
	assert.Equal(t, db.SyncModeIncremental, store.state.Mode)
	assert.Equal(t, db.AccountSynced, store.account.Status)
	assert.Contains(t, store.statuses, db.AccountSyncing)
	assert.NotNil(t, store.state.BackfillUntil)

	extracts := 0
	for _, kind := range jobs.kinds() {
		if kind == queue.KindExtract {
			extracts++
		}
	}
	assert.Equal(t, 3, extracts, "one extraction job per stored message")
}

func TestIncrementalStoresMessagesBeforeAdvancingCursor(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		historyPage: map[string]*mailbox.HistoryPage{
			"":   {AddedIDs: []string{"m10"}, HistoryID: "1010", NextPageToken: "h2"},
			"h2": {AddedIDs: []string{"m11"}, HistoryID: "1020"},
		},
		messages: map[string]*mailbox.RawMessage{
			"m10": rawMessage("m10", "carol@acme.com", "owner@example.com", "a", now),
			"m11": rawMessage("m11", "dave@acme.com", "owner@example.com", "b", now),
		},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "1000", Mode: db.SyncModeIncremental, Version: 3, BackfillDone: true,
	})
	s := newTestSyncer(t, store, client, &fakeJobs{})

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""))

	assert.Equal(t, "1020", store.state.Cursor)
	assert.Equal(t, int64(5), store.state.Version, "one CAS bump per committed page")
	assert.Equal(t,
		[]string{"store:m10", "advance:1010", "store:m11", "advance:1020"},
		store.events, "every page lands durably before its cursor commit")
}

func TestIncrementalReplayIsIdempotent(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		historyPage: map[string]*mailbox.HistoryPage{
			"": {AddedIDs: []string{"m10"}, HistoryID: "1010"},
		},
		messages: map[string]*mailbox.RawMessage{
			"m10": rawMessage("m10", "carol@acme.com", "owner@example.com", "a", now),
		},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "1000", Mode: db.SyncModeIncremental, BackfillDone: true,
	})
	jobs := &fakeJobs{}
	s := newTestSyncer(t, store, client, jobs)

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""))
	firstJobs := len(jobs.kinds())

	// Same history replayed, as after a crash between store and advance.
	store.state.Cursor = "1000"
	require.NoError(t, s.SyncAccount(context.Background(), 7, ""))

	assert.Len(t, store.messages, 1, "replayed message dedupes on provider id")
	assert.Equal(t, firstJobs, len(jobs.kinds()), "no duplicate extraction for a replayed message")
}

func TestExpiredCursorRescansAndFlagsGap(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		profile:    &mailbox.Profile{HistoryID: "2000"},
		historyErr: fmt.Errorf("%w: startHistoryId too old", consts.ErrCursorExpired),
		listPages: map[string]*mailbox.Page{
			"": {MessageIDs: []string{"m1", "m99"}},
		},
		messages: map[string]*mailbox.RawMessage{
			"m1":  rawMessage("m1", "alice@acme.com", "owner@example.com", "old", now.Add(-time.Hour)),
			"m99": rawMessage("m99", "new@acme.com", "owner@example.com", "new", now),
		},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "15", Mode: db.SyncModeIncremental, BackfillDone: true,
	})
	store.messages["m1"] = &db.Message{ID: 1, ProviderMessageID: "m1"}
	store.nextID = 1
	jobs := &fakeJobs{}
	s := newTestSyncer(t, store, client, jobs)

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""))

	assert.Equal(t, "2000", store.state.Cursor, "cursor re-anchors at now")
	assert.True(t, store.state.HistoryGap, "potential gap is recorded, not hidden")
	assert.Equal(t, db.SyncModeIncremental, store.state.Mode)
	assert.Len(t, store.messages, 2, "rescan stores only the unseen message")
	assert.Equal(t, []string{queue.KindExtract}, jobs.kinds())
}

func TestRateLimitKeepsAccountHealthy(t *testing.T) {
	client := &fakeClient{
		historyPage: map[string]*mailbox.HistoryPage{
			"": {AddedIDs: []string{"m10"}, HistoryID: "1010"},
		},
		getErr: faults.RateLimited(errors.New("quota exceeded"), 30*time.Second),
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "1000", Mode: db.SyncModeIncremental, BackfillDone: true,
	})
	s := newTestSyncer(t, store, client, &fakeJobs{})

	err := s.SyncAccount(context.Background(), 7, "")
	require.Error(t, err)
	assert.Equal(t, faults.KindRateLimited, faults.ClassOf(err), "throttling keeps its class through the orchestrator")
	assert.NotContains(t, store.statuses, db.AccountDegraded)
	assert.Equal(t, "1000", store.state.Cursor, "no progress is committed past the throttled page")
}

func TestAuthFailureMarksAccountForReauth(t *testing.T) {
	store := newFakeSyncStore(testAccount(), &db.SyncState{AccountID: 7})
	s, err := New(store,
		func(context.Context, *db.Account) (mailbox.Client, error) {
			return nil, faults.AuthExpired(errors.New("invalid_grant"))
		},
		&fakeArchive{}, nil, &fakeJobs{}, config.SyncConfig{}, "")
	require.NoError(t, err)

	err = s.SyncAccount(context.Background(), 7, "")
	require.Error(t, err)
	assert.Equal(t, faults.KindAuthExpired, faults.ClassOf(err))
	assert.Equal(t, db.AccountNeedsReauth, store.account.Status)

	// Subsequent unforced runs are skipped until the user re-links.
	assert.NoError(t, s.SyncAccount(context.Background(), 7, ""))
}

func TestUnparseableMessageIsQuarantinedNotRetried(t *testing.T) {
	undated := &mailbox.RawMessage{
		ProviderID: "m-bad",
		Raw:        []byte("From: x@acme.com\r\nContent-Type: text/plain\r\n\r\nno date anywhere\r\n"),
	}
	client := &fakeClient{
		historyPage: map[string]*mailbox.HistoryPage{
			"": {AddedIDs: []string{"m-bad"}, HistoryID: "1010"},
		},
		messages: map[string]*mailbox.RawMessage{"m-bad": undated},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "1000", Mode: db.SyncModeIncremental, BackfillDone: true,
	})
	s := newTestSyncer(t, store, client, &fakeJobs{})

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""), "a poison message must not wedge the account")
	assert.Contains(t, store.quarantined, "m-bad")
	assert.Empty(t, store.messages)
	assert.Equal(t, "1010", store.state.Cursor, "sync moves on past the quarantined message")
}

func TestTransientFetchFailureRequeuesMessageIndividually(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		historyPage: map[string]*mailbox.HistoryPage{
			"": {AddedIDs: []string{"m1", "m2"}, HistoryID: "1010"},
		},
		messages: map[string]*mailbox.RawMessage{
			"m1": rawMessage("m1", "alice@acme.com", "owner@example.com", "ok", now),
		},
		getErrs: map[string]error{
			"m2": faults.Transient(errors.New("connection reset")),
		},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "1000", Mode: db.SyncModeIncremental, BackfillDone: true,
	})
	jobs := &fakeJobs{}
	s := newTestSyncer(t, store, client, jobs)

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""),
		"one flaky message must not fail the page")

	assert.Contains(t, store.messages, "m1", "healthy siblings still land")
	assert.Equal(t, "1010", store.state.Cursor, "the page commits past the failed message")
	assert.Contains(t, jobs.kinds(), queue.KindIngestMessage,
		"the failed message gets its own job and retry budget")
	assert.NotContains(t, store.statuses, db.AccountDegraded)
}

func TestIngestJobRetriesFailedMessage(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		messages: map[string]*mailbox.RawMessage{
			"m2": rawMessage("m2", "bob@acme.com", "owner@example.com", "late", now),
		},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{AccountID: 7})
	jobs := &fakeJobs{}
	s := newTestSyncer(t, store, client, jobs)

	payload, err := json.Marshal(&queue.IngestPayload{AccountID: 7, ProviderMessageID: "m2"})
	require.NoError(t, err)

	handler := NewIngestHandler(s)
	require.NoError(t, handler(context.Background(), &db.Job{
		Kind: queue.KindIngestMessage, Payload: payload,
	}))

	assert.Contains(t, store.messages, "m2")
	assert.Equal(t, []string{queue.KindExtract}, jobs.kinds())
}

// unlinkingStore disables the account right after the first cursor commit,
// as an operator unlink would mid-run.
type unlinkingStore struct {
	*fakeSyncStore
}

func (s *unlinkingStore) AdvanceCursor(ctx context.Context, accountID int64, newCursor string, expectedVersion int64) error {
	if err := s.fakeSyncStore.AdvanceCursor(ctx, accountID, newCursor, expectedVersion); err != nil {
		return err
	}
	now := time.Now()
	s.account.DisabledAt = &now
	return nil
}

func TestUnlinkMidRunStopsAtPageBoundary(t *testing.T) {
	now := time.Now()
	client := &fakeClient{
		historyPage: map[string]*mailbox.HistoryPage{
			"":   {AddedIDs: []string{"m1"}, HistoryID: "1010", NextPageToken: "h2"},
			"h2": {AddedIDs: []string{"m2"}, HistoryID: "1020"},
		},
		messages: map[string]*mailbox.RawMessage{
			"m1": rawMessage("m1", "alice@acme.com", "owner@example.com", "a", now),
			"m2": rawMessage("m2", "bob@acme.com", "owner@example.com", "b", now),
		},
	}
	inner := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "1000", Mode: db.SyncModeIncremental, BackfillDone: true,
	})
	store := &unlinkingStore{fakeSyncStore: inner}
	s := newTestSyncer(t, store, client, &fakeJobs{})

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""),
		"an unlink mid-run ends the sync cleanly")

	assert.NotContains(t, inner.messages, "m2", "no page is fetched past the unlink")
	assert.NotContains(t, client.fetched, "m2")
	assert.Equal(t, 0, inner.successes, "an unlinked account is not marked synced")
	assert.NotContains(t, inner.statuses, db.AccountSynced)
}

func TestForcedBackfillWalksToHorizon(t *testing.T) {
	client := &fakeClient{
		profile:   &mailbox.Profile{HistoryID: "1000"},
		listPages: map[string]*mailbox.Page{},
	}
	store := newFakeSyncStore(testAccount(), &db.SyncState{
		AccountID: 7, Cursor: "1000", Mode: db.SyncModeIncremental,
	})
	s := newTestSyncer(t, store, client, &fakeJobs{})

	require.NoError(t, s.SyncAccount(context.Background(), 7, db.SyncModeBackfill))

	assert.True(t, store.state.BackfillDone)
	require.NotNil(t, store.state.BackfillUntil)

	// 30d initial window to a 180d horizon in 90d steps is two windows.
	assert.Len(t, client.listQueries, 2)
	for _, q := range client.listQueries {
		assert.Contains(t, q, "after:")
		assert.Contains(t, q, "before:")
	}
}

func TestSyncSkipsDisabledAccount(t *testing.T) {
	account := testAccount()
	now := time.Now()
	account.DisabledAt = &now
	store := newFakeSyncStore(account, &db.SyncState{AccountID: 7})
	client := &fakeClient{}
	s := newTestSyncer(t, store, client, &fakeJobs{})

	require.NoError(t, s.SyncAccount(context.Background(), 7, ""))
	assert.Empty(t, client.fetched)
	assert.Empty(t, store.statuses)
}

func TestPollerEnqueuesDueAccountsAndWatchRenewals(t *testing.T) {
	stale := testAccount()
	stale.Status = db.AccountSynced // watch never registered
	fresh := &db.Account{ID: 8, Email: "other@example.com", Status: db.AccountSynced}
	healthy := time.Now().Add(48 * time.Hour) // outside the renewal lead
	fresh.WatchExpiresAt = &healthy

	store := newFakeSyncStore(stale, &db.SyncState{AccountID: 7})
	store.due = []*db.Account{stale, fresh}
	jobs := &fakeJobs{}
	s := newTestSyncer(t, store, &fakeClient{}, jobs)

	s.pollOnce(context.Background())

	kinds := jobs.kinds()
	syncs, renews := 0, 0
	for _, k := range kinds {
		switch k {
		case queue.KindSyncAccount:
			syncs++
		case queue.KindRenewWatch:
			renews++
		}
	}
	assert.Equal(t, 2, syncs, "every due account gets a sync job")
	assert.Equal(t, 1, renews, "only the account with no live watch channel is renewed")
}
