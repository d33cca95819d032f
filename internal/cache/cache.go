package cache

import (
	"context"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// Snapshot is the cached live-tally view of one poll.
type Snapshot struct {
	PollID     string              `json:"pollId"`
	Status     model.Status        `json:"status"`
	TotalVotes float64             `json:"totalVotes"`
	Tallies    []model.OptionTally `json:"tallies"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// TallyCache keeps the freshest tally snapshot per poll so reads do not
// have to hit the store.
type TallyCache interface {
	StoreTally(ctx context.Context, pollID string, snap Snapshot) error
	GetTally(ctx context.Context, pollID string) (Snapshot, bool, error)
	Close() error
}

// Noop satisfies TallyCache when no cache backend is configured.
type Noop struct{}

func (Noop) StoreTally(context.Context, string, Snapshot) error { return nil }

func (Noop) GetTally(context.Context, string) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}

func (Noop) Close() error { return nil }
