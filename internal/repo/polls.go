package repo

import (
	"context"
	"errors"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

var (
	ErrPollNotFound = errors.New("poll not found")
	ErrVoteNotFound = errors.New("vote not found")

	// ErrInvalidTransition means the poll exists but its current status
	// does not allow the requested transition. Terminal statuses never
	// change again.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// nonTerminalStatuses are the statuses a poll can still transition out of.
var nonTerminalStatuses = []model.Status{model.Pending, model.Active, model.ReminderSent}

// PollRepository is the durable source of truth for polls and votes.
// InsertVoteIfAbsent is the dedup primitive: it must be a conditional
// insert keyed on the vote id, never a read-then-write. The Mark methods
// are guarded transitions: MarkReminderSent applies only to active polls,
// MarkClosed and MarkCancelled only to non-terminal ones.
type PollRepository interface {
	UpsertPoll(ctx context.Context, p *model.Poll) error
	GetPoll(ctx context.Context, id string) (*model.Poll, error)
	ListPollsByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Poll, error)
	MarkReminderSent(ctx context.Context, id string, messageID int64) error
	MarkClosed(ctx context.Context, id string, closedAt time.Time) error
	MarkCancelled(ctx context.Context, id string) error
	SetLastError(ctx context.Context, id string, msg string) error

	InsertVoteIfAbsent(ctx context.Context, v *model.Vote) (inserted bool, err error)
	GetVote(ctx context.Context, userID int64, pollID string) (*model.Vote, error)
	ListVotes(ctx context.Context, pollID string) ([]*model.Vote, error)
	IncrementOptionCount(ctx context.Context, pollID string, optionIndex int, weight float64) error
	UpdatePollTallies(ctx context.Context, pollID string, tallies []model.OptionTally, total float64) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
