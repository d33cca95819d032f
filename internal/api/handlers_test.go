package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/cache"
	"github.com/kel027/telegram-polling-bot/internal/lifecycle"
	"github.com/kel027/telegram-polling-bot/internal/model"
	"github.com/kel027/telegram-polling-bot/internal/queue"
	"github.com/kel027/telegram-polling-bot/internal/repo"
	"github.com/kel027/telegram-polling-bot/internal/sweeper"
)

type fakeController struct {
	// capture args
	gotCreate lifecycle.CreatePollRequest
	cancelled []string

	// behavior
	handleID  string
	createErr error
	cancelErr error
}

var _ PollController = (*fakeController)(nil)

func (f *fakeController) CreatePoll(_ context.Context, req lifecycle.CreatePollRequest) (*lifecycle.PollHandle, error) {
	f.gotCreate = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &lifecycle.PollHandle{ID: f.handleID}, nil
}

func (f *fakeController) CancelPoll(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

type fakeCache struct {
	snaps  map[string]cache.Snapshot
	stored []string
}

var _ cache.TallyCache = (*fakeCache)(nil)

func newFakeCache() *fakeCache {
	return &fakeCache{snaps: make(map[string]cache.Snapshot)}
}

func (c *fakeCache) StoreTally(_ context.Context, pollID string, snap cache.Snapshot) error {
	c.snaps[pollID] = snap
	c.stored = append(c.stored, pollID)
	return nil
}

func (c *fakeCache) GetTally(_ context.Context, pollID string) (cache.Snapshot, bool, error) {
	snap, ok := c.snaps[pollID]
	return snap, ok, nil
}

func (c *fakeCache) Close() error { return nil }

type erroringStore struct {
	*repo.MemoryPollRepo
	pingErr error
}

func (s *erroringStore) Ping(ctx context.Context) error {
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.MemoryPollRepo.Ping(ctx)
}

type fakeSweepCloser struct {
	closed int
	err    error
}

var _ sweeper.Closer = (*fakeSweepCloser)(nil)

func (f *fakeSweepCloser) CloseOverduePolls(context.Context, time.Duration) (int, error) {
	return f.closed, f.err
}

type testServer struct {
	ctrl    *fakeController
	store   *repo.MemoryPollRepo
	tallies *fakeCache
	queue   *queue.VoteQueue
	sweep   *sweeper.Sweeper
	mux     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ctrl := &fakeController{handleID: "poll-1"}
	store := repo.NewMemoryPollRepo()
	tallies := newFakeCache()
	q := queue.New(8)

	// Long interval so nothing sweeps unless a test starts it.
	sw, err := sweeper.New(&fakeSweepCloser{closed: 2}, time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("failed to create sweeper: %v", err)
	}
	t.Cleanup(func() { sw.Stop() })

	h := NewHandler(ctrl, store, tallies, q, sw).
		WithPollDefaults(60*time.Minute, 15*time.Minute)
	return &testServer{ctrl: ctrl, store: store, tallies: tallies, queue: q, sweep: sw, mux: Router(h)}
}

func (ts *testServer) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func seedPoll(t *testing.T, store *repo.MemoryPollRepo, id string, status model.Status) *model.Poll {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := &model.Poll{
		ID:            id,
		Question:      "Lunch?",
		Options:       []string{"Soup", "Salad"},
		Status:        status,
		CreatedAt:     now,
		RemindAt:      now.Add(45 * time.Minute),
		CloseAt:       now.Add(time.Hour),
		PollMessageID: 101,
		Tallies: []model.OptionTally{
			{Label: "Soup", Count: 2, Percentage: 67},
			{Label: "Salad", Count: 1, Percentage: 33},
		},
		TotalVotes: 3,
	}
	if err := store.UpsertPoll(context.Background(), p); err != nil {
		t.Fatalf("seed poll %s: %v", id, err)
	}
	return p
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestHealth_StoreDownReturns503(t *testing.T) {
	t.Parallel()
	store := &erroringStore{MemoryPollRepo: repo.NewMemoryPollRepo(), pingErr: errors.New("mongo down")}
	sw, err := sweeper.New(&fakeSweepCloser{}, time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("failed to create sweeper: %v", err)
	}
	h := NewHandler(&fakeController{}, store, newFakeCache(), queue.New(1), sw)
	mux := Router(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || v {
		t.Fatalf("expected ok=false, got %v", body)
	}
}

func TestListPolls(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedPoll(t, ts.store, "open-1", model.Active)
	seedPoll(t, ts.store, "open-2", model.ReminderSent)
	seedPoll(t, ts.store, "done-1", model.Closed)

	// No filter lists the polls still in play.
	{
		rr := ts.do(t, http.MethodGet, "/v1/polls", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		items, ok := body["items"].([]any)
		if !ok || len(items) != 2 {
			t.Fatalf("expected 2 open polls, got %v", body["items"])
		}
	}

	// Explicit status filter.
	{
		rr := ts.do(t, http.MethodGet, "/v1/polls?status=closed", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		items, ok := body["items"].([]any)
		if !ok || len(items) != 1 {
			t.Fatalf("expected 1 closed poll, got %v", body["items"])
		}
	}

	// Unknown status is a client error.
	{
		rr := ts.do(t, http.MethodGet, "/v1/polls?status=bogus", "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
		}
	}
}

func TestGetPoll_StoreSourceAndCachePriming(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedPoll(t, ts.store, "poll-1", model.Active)

	rr := ts.do(t, http.MethodGet, "/v1/polls/poll-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if src := body["tally_source"]; src != "store" {
		t.Fatalf("expected tally_source=store on cold cache, got %v", src)
	}
	if len(ts.tallies.stored) != 1 || ts.tallies.stored[0] != "poll-1" {
		t.Fatalf("expected cache primed for poll-1, got %v", ts.tallies.stored)
	}
}

func TestGetPoll_CacheHitOverridesTallies(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedPoll(t, ts.store, "poll-1", model.Active)
	ts.tallies.snaps["poll-1"] = cache.Snapshot{
		PollID:     "poll-1",
		Status:     model.Active,
		TotalVotes: 5,
		Tallies: []model.OptionTally{
			{Label: "Soup", Count: 4, Percentage: 80},
			{Label: "Salad", Count: 1, Percentage: 20},
		},
		UpdatedAt: time.Now().UTC(),
	}

	rr := ts.do(t, http.MethodGet, "/v1/polls/poll-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if src := body["tally_source"]; src != "cache" {
		t.Fatalf("expected tally_source=cache, got %v", src)
	}
	poll, ok := body["poll"].(map[string]any)
	if !ok {
		t.Fatalf("expected poll object, got %T", body["poll"])
	}
	if total, ok := poll["total_votes"].(float64); !ok || total != 5 {
		t.Fatalf("expected cached total_votes=5, got %v", poll["total_votes"])
	}
}

func TestGetPoll_NotFound(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/polls/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestListVotes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	seedPoll(t, ts.store, "poll-1", model.Active)

	now := time.Now().UTC()
	for i, v := range []*model.Vote{
		{ID: model.VoteKey(7, "poll-1"), PollID: "poll-1", UserID: 7, OptionIndex: 0, Weight: 1, Timestamp: now},
		{ID: model.VoteKey(8, "poll-1"), PollID: "poll-1", UserID: 8, OptionIndex: 1, Weight: 1, Timestamp: now.Add(time.Second)},
	} {
		inserted, err := ts.store.InsertVoteIfAbsent(context.Background(), v)
		if err != nil || !inserted {
			t.Fatalf("seed vote %d: inserted=%v err=%v", i, inserted, err)
		}
	}

	rr := ts.do(t, http.MethodGet, "/v1/polls/poll-1/votes", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if count, ok := body["count"].(float64); !ok || count != 2 {
		t.Fatalf("expected count=2, got %v", body["count"])
	}

	rr = ts.do(t, http.MethodGet, "/v1/polls/missing/votes", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing poll, got %d", rr.Code)
	}
}

func TestCreatePoll(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/polls",
		`{"question":"Lunch?","options":["Soup","Salad"],"duration_mins":90,"reminder_mins":30}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if id := body["poll_id"]; id != "poll-1" {
		t.Fatalf("expected poll_id=poll-1, got %v", id)
	}

	got := ts.ctrl.gotCreate
	if got.Question != "Lunch?" || len(got.Options) != 2 {
		t.Fatalf("controller got %+v", got)
	}
	if got.OpenDuration != 90*time.Minute || got.ReminderOffset != 30*time.Minute {
		t.Fatalf("expected 90m/30m schedule, got %v/%v", got.OpenDuration, got.ReminderOffset)
	}
}

func TestCreatePoll_DefaultsApplied(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/polls", `{"question":"Lunch?","options":["Soup","Salad"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	got := ts.ctrl.gotCreate
	if got.OpenDuration != 60*time.Minute || got.ReminderOffset != 15*time.Minute {
		t.Fatalf("expected configured defaults, got %v/%v", got.OpenDuration, got.ReminderOffset)
	}
}

func TestCreatePoll_Errors(t *testing.T) {
	t.Parallel()

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)

		rr := ts.do(t, http.MethodPost, "/v1/polls", `{"question":`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
		}
	})

	t.Run("validation error maps to 400", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		ts.ctrl.createErr = &lifecycle.ValidationError{Field: "options", Reason: "need between 2 and 10 options, got 1"}

		rr := ts.do(t, http.MethodPost, "/v1/polls", `{"question":"Lunch?","options":["Soup"]}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), "invalid options") {
			t.Fatalf("expected validation detail in body, got %q", rr.Body.String())
		}
	})

	t.Run("transport error maps to 500", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		ts.ctrl.createErr = errors.New("post poll: telegram down")

		rr := ts.do(t, http.MethodPost, "/v1/polls", `{"question":"Lunch?","options":["Soup","Salad"]}`)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d body=%q", rr.Code, rr.Body.String())
		}
	})
}

func TestCancelPoll(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/polls/poll-9/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(ts.ctrl.cancelled) != 1 || ts.ctrl.cancelled[0] != "poll-9" {
		t.Fatalf("controller cancelled %v, want [poll-9]", ts.ctrl.cancelled)
	}
	body := decodeJSON(t, rr)
	if status := body["status"]; status != "cancelled" {
		t.Fatalf("expected status=cancelled, got %v", status)
	}
}

func TestCancelPoll_NotFound(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.ctrl.cancelErr = repo.ErrPollNotFound

	rr := ts.do(t, http.MethodPost, "/v1/polls/missing/cancel", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.queue.TryEnqueue(model.VoteEvent{PollID: "poll-1", UserID: 1})
	ts.queue.TryEnqueue(model.VoteEvent{PollID: "poll-1", UserID: 2})

	rr := ts.do(t, http.MethodGet, "/v1/queue/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if v, ok := body["enqueued"].(float64); !ok || v != 2 {
		t.Fatalf("expected enqueued=2, got %v", body["enqueued"])
	}
	if v, ok := body["depth"].(float64); !ok || v != 2 {
		t.Fatalf("expected depth=2, got %v", body["depth"])
	}
	if v, ok := body["capacity"].(float64); !ok || v != 8 {
		t.Fatalf("expected capacity=8, got %v", body["capacity"])
	}
}

func TestSweeperEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	// Initially should be false.
	{
		rr := ts.do(t, http.MethodGet, "/v1/sweeper/status", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false, got %v", body)
		}
	}

	// Start
	{
		rr := ts.do(t, http.MethodPost, "/v1/sweeper/start", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || !running {
			t.Fatalf("expected running=true after start, got %v", body)
		}
	}

	// Stop
	{
		rr := ts.do(t, http.MethodPost, "/v1/sweeper/stop", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
		}
		body := decodeJSON(t, rr)
		if running, ok := body["running"].(bool); !ok || running {
			t.Fatalf("expected running=false after stop, got %v", body)
		}
	}
}

func TestTriggerSweep(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/sweep", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if closed, ok := body["closed"].(float64); !ok || closed != 2 {
		t.Fatalf("expected closed=2, got %v", body["closed"])
	}
}

func TestRouterRoot(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "telegram-polling-bot" {
		t.Fatalf("expected body %q, got %q", "telegram-polling-bot", got)
	}
}
