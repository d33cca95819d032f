package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kel027/telegram-polling-bot/internal/clock"
	"github.com/kel027/telegram-polling-bot/internal/gateway"
	"github.com/kel027/telegram-polling-bot/internal/model"
	"github.com/kel027/telegram-polling-bot/internal/repo"
	"github.com/kel027/telegram-polling-bot/internal/retry"
	"github.com/kel027/telegram-polling-bot/internal/tally"
)

const (
	minOptions = 2
	maxOptions = 10
)

// ValidationError reports a rejected CreatePoll request. Validation runs
// before any message is posted or any record is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CreatePollRequest describes a poll to open.
type CreatePollRequest struct {
	Question       string
	Options        []string
	OpenDuration   time.Duration
	ReminderOffset time.Duration
	Image          *gateway.Image
}

// PollHandle tracks a live poll. Done is closed once the poll reaches a
// terminal state.
type PollHandle struct {
	ID   string
	done chan struct{}
}

func (h *PollHandle) Done() <-chan struct{} { return h.done }

type pollRun struct {
	reminder clock.Timer
	closer   clock.Timer
	done     chan struct{}
}

// Controller drives polls through their lifecycle: it posts them, arms the
// reminder and close timers, and settles the final tally when the deadline
// fires. Timers survive restarts via Recover.
type Controller struct {
	gw     gateway.Gateway
	store  repo.PollRepository
	engine *tally.Engine
	clk    clock.Clock

	retryAttempts int
	retryBase     time.Duration
	timeout       time.Duration

	mu    sync.Mutex
	polls map[string]*pollRun
}

// NewController builds a controller with default retry and timeout settings.
func NewController(gw gateway.Gateway, store repo.PollRepository, engine *tally.Engine, clk clock.Clock) *Controller {
	return &Controller{
		gw:            gw,
		store:         store,
		engine:        engine,
		clk:           clk,
		retryAttempts: 3,
		retryBase:     250 * time.Millisecond,
		timeout:       30 * time.Second,
		polls:         make(map[string]*pollRun),
	}
}

// WithRetry overrides the retry policy for gateway and store operations.
func (c *Controller) WithRetry(maxAttempts int, baseDelay time.Duration) *Controller {
	c.retryAttempts = maxAttempts
	c.retryBase = baseDelay
	return c
}

// WithTimeout bounds the work done inside timer callbacks, including the
// vote flush that precedes a close.
func (c *Controller) WithTimeout(d time.Duration) *Controller {
	c.timeout = d
	return c
}

func (c *Controller) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(ctx, c.retryAttempts, c.retryBase, op)
}

// transitionOp wraps a guarded status transition. A missing poll or a
// status conflict does not heal on retry, so those come back immediately.
func transitionOp(op func() error) func() error {
	return func() error {
		err := op()
		if errors.Is(err, repo.ErrPollNotFound) || errors.Is(err, repo.ErrInvalidTransition) {
			return retry.Permanent(err)
		}
		return err
	}
}

// CreatePoll validates the request, posts the poll and opens its lifecycle.
// The returned handle resolves once the poll closes or is cancelled.
func (c *Controller) CreatePoll(ctx context.Context, req CreatePollRequest) (*PollHandle, error) {
	options, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	// The image is decoration: it goes out first, like the original bot, and
	// its failure never blocks the poll.
	var transientIDs []int64
	if req.Image != nil {
		var imgID int64
		imgErr := c.withRetry(ctx, func() error {
			id, err := c.gw.SendImage(ctx, *req.Image)
			if err != nil {
				return err
			}
			imgID = id
			return nil
		})
		if imgErr != nil {
			slog.Warn("image send failed", "error", imgErr)
		} else {
			transientIDs = append(transientIDs, imgID)
		}
	}

	var pm gateway.PollMessage
	if err := c.withRetry(ctx, func() error {
		var err error
		pm, err = c.gw.PostPoll(ctx, req.Question, options)
		return err
	}); err != nil {
		c.recordFailedCreation(ctx, req, options, transientIDs, err)
		return nil, fmt.Errorf("post poll: %w", err)
	}

	now := c.clk.Now()
	poll := &model.Poll{
		ID:            pm.PollID,
		Question:      req.Question,
		Options:       options,
		Status:        model.Active,
		CreatedAt:     now,
		RemindAt:      now.Add(req.OpenDuration - req.ReminderOffset),
		CloseAt:       now.Add(req.OpenDuration),
		PollMessageID: pm.MessageID,
		MessageIDs:    transientIDs,
		Tallies:       model.NewTallies(options),
	}

	if err := c.withRetry(ctx, func() error { return c.store.UpsertPoll(ctx, poll) }); err != nil {
		slog.Error("poll persist failed, stopping orphan poll", "poll_id", poll.ID, "error", err)
		if stopErr := c.gw.StopPoll(ctx, pm.MessageID); stopErr != nil {
			slog.Warn("orphan poll stop failed", "poll_id", poll.ID, "error", stopErr)
		}
		return nil, fmt.Errorf("persist poll: %w", err)
	}

	handle := c.track(poll)
	slog.Info("poll created",
		"poll_id", poll.ID,
		"question", poll.Question,
		"remind_at", poll.RemindAt,
		"close_at", poll.CloseAt)
	return handle, nil
}

// recordFailedCreation persists a cancelled record so a poll that never made
// it to the platform still shows up for operators.
func (c *Controller) recordFailedCreation(ctx context.Context, req CreatePollRequest, options []string, transientIDs []int64, cause error) {
	now := c.clk.Now()
	p := &model.Poll{
		ID:         uuid.NewString(),
		Question:   req.Question,
		Options:    options,
		Status:     model.Cancelled,
		CreatedAt:  now,
		RemindAt:   now.Add(req.OpenDuration - req.ReminderOffset),
		CloseAt:    now.Add(req.OpenDuration),
		MessageIDs: transientIDs,
		Tallies:    model.NewTallies(options),
		LastError:  "poll creation failed: " + cause.Error(),
	}
	if err := c.store.UpsertPoll(ctx, p); err != nil {
		slog.Error("failed creation record not persisted", "error", err)
	}
}

// CancelPoll takes a poll out of circulation before its deadline. Cancelling
// a poll that already reached a terminal state is a no-op.
func (c *Controller) CancelPoll(ctx context.Context, id string) error {
	poll, err := c.store.GetPoll(ctx, id)
	if err != nil {
		return err
	}
	if poll.Status.Terminal() {
		return nil
	}

	if err := c.withRetry(ctx, transitionOp(func() error { return c.store.MarkCancelled(ctx, id) })); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			// Lost the race against the close path; the poll is terminal
			// either way.
			c.finish(id)
			return nil
		}
		return fmt.Errorf("persist cancelled: %w", err)
	}

	// Best-effort platform stop; the persisted status already blocks counting.
	if poll.PollMessageID != 0 {
		if err := c.gw.StopPoll(ctx, poll.PollMessageID); err != nil {
			slog.Warn("platform stop failed on cancel", "poll_id", id, "error", err)
		}
	}

	c.finish(id)
	slog.Info("poll cancelled", "poll_id", id)
	return nil
}

// Recover re-arms timers for every poll that was open when the process last
// stopped. Deadlines already in the past fire immediately.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	polls, err := c.store.ListPollsByStatus(ctx, model.Active, model.ReminderSent)
	if err != nil {
		return 0, fmt.Errorf("list open polls: %w", err)
	}
	for _, p := range polls {
		c.track(p)
		slog.Info("poll recovered",
			"poll_id", p.ID,
			"status", string(p.Status),
			"close_at", p.CloseAt)
	}
	return len(polls), nil
}

// CloseOverduePolls force-closes open polls whose deadline passed more than
// grace ago. It backstops timers lost to missed callbacks or clock trouble.
func (c *Controller) CloseOverduePolls(ctx context.Context, grace time.Duration) (int, error) {
	polls, err := c.store.ListPollsByStatus(ctx, model.Active, model.ReminderSent)
	if err != nil {
		return 0, err
	}
	cutoff := c.clk.Now().Add(-grace)
	closed := 0
	for _, p := range polls {
		if p.CloseAt.After(cutoff) {
			continue
		}
		slog.Warn("overdue poll found, forcing close", "poll_id", p.ID, "close_at", p.CloseAt)
		if err := c.closePoll(ctx, p.ID); err != nil {
			slog.Error("forced close failed", "poll_id", p.ID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// StopTimers disarms every armed timer without touching poll state. Recover
// re-arms them on the next start.
func (c *Controller) StopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, run := range c.polls {
		if run.reminder != nil {
			run.reminder.Stop()
		}
		if run.closer != nil {
			run.closer.Stop()
		}
	}
}

// track arms the timers for a live poll. Polls already past the reminder
// stage only get a close timer.
func (c *Controller) track(p *model.Poll) *PollHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := p.ID
	run := &pollRun{done: make(chan struct{})}
	if p.Status == model.Active {
		run.reminder = c.clk.AfterFunc(p.RemindAt.Sub(c.clk.Now()), func() { c.fireReminder(id) })
	}
	run.closer = c.clk.AfterFunc(p.CloseAt.Sub(c.clk.Now()), func() { c.fireClose(id) })
	c.polls[id] = run
	return &PollHandle{ID: id, done: run.done}
}

// finish releases everything held for a poll that reached a terminal state.
func (c *Controller) finish(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.polls[id]
	if !ok {
		return
	}
	if run.reminder != nil {
		run.reminder.Stop()
	}
	if run.closer != nil {
		run.closer.Stop()
	}
	close(run.done)
	delete(c.polls, id)
	c.engine.Forget(id)
}

func (c *Controller) fireReminder(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	poll, err := c.store.GetPoll(ctx, id)
	if err != nil {
		slog.Error("reminder lookup failed", "poll_id", id, "error", err)
		return
	}
	// A cancelled or already-reminded poll has nothing to say.
	if poll.Status != model.Active {
		return
	}

	remaining := poll.CloseAt.Sub(c.clk.Now())
	var msgID int64
	if err := c.withRetry(ctx, func() error {
		mid, err := c.gw.SendMessage(ctx, FormatReminder(remaining))
		if err != nil {
			return err
		}
		msgID = mid
		return nil
	}); err != nil {
		// The close timer stays armed; the poll just runs without a reminder.
		slog.Error("reminder send failed", "poll_id", id, "error", err)
		c.markDegraded(ctx, id, "reminder send failed: "+err.Error())
		return
	}

	if err := c.withRetry(ctx, transitionOp(func() error { return c.store.MarkReminderSent(ctx, id, msgID) })); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			// The poll went terminal while the reminder was in flight. Drop
			// the orphaned message rather than leave it pointing at a
			// settled poll.
			if delErr := c.gw.DeleteMessage(ctx, msgID); delErr != nil {
				slog.Warn("orphan reminder delete failed", "poll_id", id, "message_id", msgID, "error", delErr)
			}
			return
		}
		slog.Error("reminder state not persisted", "poll_id", id, "error", err)
		c.markDegraded(ctx, id, "reminder state not persisted: "+err.Error())
		return
	}
	slog.Info("reminder sent", "poll_id", id, "minutes_left", int(remaining.Minutes()))
}

func (c *Controller) fireClose(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.closePoll(ctx, id); err != nil {
		slog.Error("poll close failed", "poll_id", id, "error", err)
		c.markDegraded(ctx, id, "close failed: "+err.Error())
	}
}

// closePoll settles a poll: queued votes are drained, the closed status is
// persisted, the final tally is recomputed from the vote records, and the
// poll message becomes the results board. The closed status lands before the
// recount so that a vote racing the deadline is either re-read by the recount
// or rejected by the status gate, never counted without being reported.
func (c *Controller) closePoll(ctx context.Context, id string) error {
	poll, err := c.store.GetPoll(ctx, id)
	if err != nil {
		return err
	}
	if poll.Status.Terminal() {
		return nil
	}

	if err := c.engine.Flush(ctx); err != nil {
		slog.Warn("vote flush incomplete at close", "poll_id", id, "error", err)
	}

	if err := c.withRetry(ctx, transitionOp(func() error { return c.store.MarkClosed(ctx, id, c.clk.Now()) })); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			// Cancelled while the close was in flight; nothing left to settle.
			c.finish(id)
			return nil
		}
		return fmt.Errorf("persist closed: %w", err)
	}

	final, err := c.engine.Recount(ctx, id)
	if err != nil {
		return fmt.Errorf("final recount: %w", err)
	}

	if err := c.withRetry(ctx, func() error { return c.gw.StopPoll(ctx, final.PollMessageID) }); err != nil {
		slog.Warn("platform stop failed", "poll_id", id, "error", err)
		c.markDegraded(ctx, id, "platform stop failed: "+err.Error())
	}

	if err := c.withRetry(ctx, func() error {
		return c.gw.EditMessage(ctx, final.PollMessageID, FormatResults(final))
	}); err != nil {
		slog.Warn("results edit failed", "poll_id", id, "error", err)
		c.markDegraded(ctx, id, "results edit failed: "+err.Error())
	}

	// Transient messages go away; failures are logged per message and never
	// hold up the close.
	for _, msgID := range final.MessageIDs {
		if err := c.gw.DeleteMessage(ctx, msgID); err != nil {
			slog.Warn("transient message delete failed",
				"poll_id", id,
				"message_id", msgID,
				"error", err)
		}
	}

	c.finish(id)
	slog.Info("poll closed", "poll_id", id, "total_votes", final.TotalVotes)
	return nil
}

func (c *Controller) markDegraded(ctx context.Context, pollID, detail string) {
	if err := c.store.SetLastError(ctx, pollID, detail); err != nil {
		slog.Error("degraded marker not persisted", "poll_id", pollID, "error", err)
	}
}

// validateRequest checks a creation request and returns the trimmed options.
func validateRequest(req CreatePollRequest) ([]string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, &ValidationError{Field: "question", Reason: "must not be empty"}
	}
	if len(req.Options) < minOptions || len(req.Options) > maxOptions {
		return nil, &ValidationError{
			Field:  "options",
			Reason: fmt.Sprintf("need between %d and %d options, got %d", minOptions, maxOptions, len(req.Options)),
		}
	}

	options := make([]string, 0, len(req.Options))
	seen := make(map[string]struct{}, len(req.Options))
	for i, opt := range req.Options {
		trimmed := strings.TrimSpace(opt)
		if trimmed == "" {
			return nil, &ValidationError{Field: "options", Reason: fmt.Sprintf("option %d is empty", i+1)}
		}
		if _, dup := seen[trimmed]; dup {
			return nil, &ValidationError{Field: "options", Reason: fmt.Sprintf("duplicate option %q", trimmed)}
		}
		seen[trimmed] = struct{}{}
		options = append(options, trimmed)
	}

	if req.OpenDuration <= 0 {
		return nil, &ValidationError{Field: "open_duration", Reason: "must be positive"}
	}
	if req.ReminderOffset <= 0 {
		return nil, &ValidationError{Field: "reminder_offset", Reason: "must be positive"}
	}
	if req.ReminderOffset >= req.OpenDuration {
		return nil, &ValidationError{Field: "reminder_offset", Reason: "must be less than open_duration"}
	}
	return options, nil
}
