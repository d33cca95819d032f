package tally

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/cache"
	"github.com/kel027/telegram-polling-bot/internal/model"
	"github.com/kel027/telegram-polling-bot/internal/queue"
	"github.com/kel027/telegram-polling-bot/internal/repo"
	"github.com/kel027/telegram-polling-bot/internal/retry"
)

// Engine settles vote events against the store: status gate, durable
// dedup insert, weighted counting, percentage refresh. Events for one
// poll are serialized by a per-poll lock; unrelated polls proceed in
// parallel. The store is the single source of truth, so a restart
// changes nothing about duplicate detection.
type Engine struct {
	store repo.PollRepository
	queue *queue.VoteQueue

	cache  cache.TallyCache
	weight WeightFunc

	retryAttempts int
	retryBase     time.Duration

	states    sync.Map // poll id -> *pollState
	processed atomic.Int64
}

type pollState struct {
	mu             sync.Mutex
	lastAcceptedAt time.Time
}

func NewEngine(store repo.PollRepository, q *queue.VoteQueue) *Engine {
	return &Engine{
		store:         store,
		queue:         q,
		weight:        FlatWeight,
		retryAttempts: 3,
		retryBase:     250 * time.Millisecond,
	}
}

// WithWeightFunc replaces the flat 1.0 vote weight.
func (e *Engine) WithWeightFunc(fn WeightFunc) *Engine {
	if fn != nil {
		e.weight = fn
	}
	return e
}

// WithCache refreshes c with a tally snapshot after every accepted vote.
func (e *Engine) WithCache(c cache.TallyCache) *Engine {
	e.cache = c
	return e
}

// WithRetry overrides the store retry budget.
func (e *Engine) WithRetry(maxAttempts int, baseDelay time.Duration) *Engine {
	e.retryAttempts = maxAttempts
	e.retryBase = baseDelay
	return e
}

// Run consumes the queue until ctx is cancelled or the queue is closed
// and drained. It is the single consumer; per-poll FIFO order follows
// from that.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("aggregation engine started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("aggregation engine stopped", "reason", "context cancelled")
			return
		case ev, ok := <-e.queue.Events():
			if !ok {
				slog.Info("aggregation engine stopped", "reason", "queue drained")
				return
			}
			outcome := e.SubmitVote(ctx, ev)
			e.processed.Add(1)
			logOutcome(ev, outcome)
		}
	}
}

// SubmitVote settles one vote event and reports how it was settled.
func (e *Engine) SubmitVote(ctx context.Context, ev model.VoteEvent) model.VoteOutcome {
	state := e.state(ev.PollID)
	state.mu.Lock()
	defer state.mu.Unlock()

	var poll *model.Poll
	err := e.withRetry(ctx, func() error {
		p, err := e.store.GetPoll(ctx, ev.PollID)
		if errors.Is(err, repo.ErrPollNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		poll = p
		return nil
	})
	if errors.Is(err, repo.ErrPollNotFound) {
		return model.VoteRejected(model.ReasonPollNotFound)
	}
	if err != nil {
		return model.VoteRejected(model.ReasonPersistenceUnavailable)
	}

	if !poll.Status.AcceptingVotes() {
		return model.VoteRejected(model.ReasonPollNotAcceptingVotes)
	}

	if ev.OptionIndex < 0 || ev.OptionIndex >= len(poll.Options) {
		return model.VoteRejected(model.ReasonInvalidOption)
	}

	// The weight is fixed before the insert so the persisted vote can
	// reproduce the tally in a recount.
	weight := e.weight(ev, PollContext{Poll: poll, LastAcceptedAt: state.lastAcceptedAt})

	vote := &model.Vote{
		ID:          model.VoteKey(ev.UserID, ev.PollID),
		PollID:      ev.PollID,
		UserID:      ev.UserID,
		DisplayName: ev.DisplayName,
		OptionIndex: ev.OptionIndex,
		Weight:      weight,
		Timestamp:   ev.Timestamp,
	}

	var inserted bool
	err = e.withRetry(ctx, func() error {
		ok, err := e.store.InsertVoteIfAbsent(ctx, vote)
		if err != nil {
			return err
		}
		inserted = ok
		return nil
	})
	if err != nil {
		return model.VoteRejected(model.ReasonPersistenceUnavailable)
	}
	if !inserted {
		return model.VoteDuplicate()
	}

	state.lastAcceptedAt = ev.Timestamp

	// The vote document is durable from here on. A failed increment
	// leaves the tally stale until the close-time recount, never loses
	// the vote, so the outcome stays Accepted.
	err = e.withRetry(ctx, func() error {
		return e.store.IncrementOptionCount(ctx, ev.PollID, ev.OptionIndex, weight)
	})
	if err != nil {
		slog.Error("vote persisted but tally increment failed",
			"poll_id", ev.PollID, "user_id", ev.UserID, "error", err)
		e.markDegraded(ctx, ev.PollID, "tally increment failed: "+err.Error())
		return model.VoteAccepted()
	}

	if err := e.refreshTallies(ctx, ev.PollID); err != nil {
		slog.Warn("percentage refresh failed", "poll_id", ev.PollID, "error", err)
	}

	return model.VoteAccepted()
}

// Flush returns once every event enqueued before the call has been
// processed, or ctx ends.
func (e *Engine) Flush(ctx context.Context) error {
	target := e.queue.Enqueued()
	for {
		if e.processed.Load() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Drain is Flush for shutdown: it additionally reports how many events
// were still unprocessed when ctx ended.
func (e *Engine) Drain(ctx context.Context) (remaining int64, err error) {
	if err := e.Flush(ctx); err != nil {
		return e.queue.Enqueued() - e.processed.Load(), err
	}
	return 0, nil
}

// Recount rebuilds the tallies of one poll from its persisted votes and
// stores the result. It heals any gap between inserted votes and
// incremented counts.
func (e *Engine) Recount(ctx context.Context, pollID string) (*model.Poll, error) {
	state := e.state(pollID)
	state.mu.Lock()
	defer state.mu.Unlock()

	var poll *model.Poll
	err := e.withRetry(ctx, func() error {
		p, err := e.store.GetPoll(ctx, pollID)
		if errors.Is(err, repo.ErrPollNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		poll = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	var votes []*model.Vote
	err = e.withRetry(ctx, func() error {
		vs, err := e.store.ListVotes(ctx, pollID)
		if err != nil {
			return err
		}
		votes = vs
		return nil
	})
	if err != nil {
		return nil, err
	}

	tallies := model.NewTallies(poll.Options)
	total := 0.0
	for _, v := range votes {
		if v.OptionIndex < 0 || v.OptionIndex >= len(tallies) {
			slog.Warn("skipping vote with out-of-range option",
				"poll_id", pollID, "user_id", v.UserID, "option", v.OptionIndex)
			continue
		}
		tallies[v.OptionIndex].Count += v.Weight
		total += v.Weight
	}

	poll.Tallies = tallies
	poll.TotalVotes = total
	poll.RecomputePercentages()

	err = e.withRetry(ctx, func() error {
		return e.store.UpdatePollTallies(ctx, pollID, poll.Tallies, poll.TotalVotes)
	})
	if err != nil {
		return nil, err
	}

	e.cacheTally(ctx, poll)
	return poll, nil
}

// Forget drops the in-memory state of a terminal poll.
func (e *Engine) Forget(pollID string) {
	e.states.Delete(pollID)
}

// Processed returns the number of events settled so far.
func (e *Engine) Processed() int64 {
	return e.processed.Load()
}

func (e *Engine) state(pollID string) *pollState {
	v, _ := e.states.LoadOrStore(pollID, &pollState{})
	return v.(*pollState)
}

func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(ctx, e.retryAttempts, e.retryBase, op)
}

// refreshTallies recomputes the percentages from the stored counts and
// persists them. Caller holds the poll's lock.
func (e *Engine) refreshTallies(ctx context.Context, pollID string) error {
	poll, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	poll.RecomputePercentages()
	if err := e.store.UpdatePollTallies(ctx, pollID, poll.Tallies, poll.TotalVotes); err != nil {
		return err
	}
	e.cacheTally(ctx, poll)
	return nil
}

func (e *Engine) cacheTally(ctx context.Context, poll *model.Poll) {
	if e.cache == nil {
		return
	}
	snap := cache.Snapshot{
		PollID:     poll.ID,
		Status:     poll.Status,
		TotalVotes: poll.TotalVotes,
		Tallies:    poll.Tallies,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := e.cache.StoreTally(ctx, poll.ID, snap); err != nil {
		slog.Warn("tally cache refresh failed", "poll_id", poll.ID, "error", err)
	}
}

func (e *Engine) markDegraded(ctx context.Context, pollID, msg string) {
	if err := e.store.SetLastError(ctx, pollID, msg); err != nil {
		slog.Warn("failed to record degraded state", "poll_id", pollID, "error", err)
	}
}

func logOutcome(ev model.VoteEvent, out model.VoteOutcome) {
	switch out.Disposition {
	case model.Accepted:
		slog.Info("vote accepted",
			"poll_id", ev.PollID, "user_id", ev.UserID, "option", ev.OptionIndex)
	case model.DuplicateIgnored:
		slog.Info("duplicate vote ignored", "poll_id", ev.PollID, "user_id", ev.UserID)
	case model.Rejected:
		slog.Warn("vote rejected",
			"poll_id", ev.PollID, "user_id", ev.UserID, "reason", string(out.Reason))
	}
}
