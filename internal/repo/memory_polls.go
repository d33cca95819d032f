package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// MemoryPollRepo is a map-backed PollRepository for tests and dry runs.
// It honors the same contract as the durable backends, including the
// conditional vote insert.
type MemoryPollRepo struct {
	mu    sync.RWMutex
	polls map[string]*model.Poll
	votes map[string]*model.Vote
}

func NewMemoryPollRepo() *MemoryPollRepo {
	return &MemoryPollRepo{
		polls: make(map[string]*model.Poll),
		votes: make(map[string]*model.Vote),
	}
}

func (r *MemoryPollRepo) UpsertPoll(_ context.Context, p *model.Poll) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[p.ID] = clonePoll(p)
	return nil
}

func (r *MemoryPollRepo) GetPoll(_ context.Context, id string) (*model.Poll, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.polls[id]
	if !ok {
		return nil, ErrPollNotFound
	}
	return clonePoll(p), nil
}

func (r *MemoryPollRepo) ListPollsByStatus(_ context.Context, statuses ...model.Status) ([]*model.Poll, error) {
	wanted := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Poll
	for _, p := range r.polls {
		if wanted[p.Status] {
			out = append(out, clonePoll(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryPollRepo) MarkReminderSent(_ context.Context, id string, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	if p.Status != model.Active {
		return ErrInvalidTransition
	}
	p.Status = model.ReminderSent
	p.MessageIDs = append(p.MessageIDs, messageID)
	return nil
}

func (r *MemoryPollRepo) MarkClosed(_ context.Context, id string, closedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	if p.Status.Terminal() {
		return ErrInvalidTransition
	}
	p.Status = model.Closed
	t := closedAt
	p.ClosedAt = &t
	return nil
}

func (r *MemoryPollRepo) MarkCancelled(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	if p.Status.Terminal() {
		return ErrInvalidTransition
	}
	p.Status = model.Cancelled
	return nil
}

func (r *MemoryPollRepo) SetLastError(_ context.Context, id string, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	p.LastError = msg
	return nil
}

func (r *MemoryPollRepo) InsertVoteIfAbsent(_ context.Context, v *model.Vote) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.votes[v.ID]; exists {
		return false, nil
	}
	clone := *v
	r.votes[v.ID] = &clone
	return true, nil
}

func (r *MemoryPollRepo) GetVote(_ context.Context, userID int64, pollID string) (*model.Vote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.votes[model.VoteKey(userID, pollID)]
	if !ok {
		return nil, ErrVoteNotFound
	}
	clone := *v
	return &clone, nil
}

func (r *MemoryPollRepo) ListVotes(_ context.Context, pollID string) ([]*model.Vote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Vote
	for _, v := range r.votes {
		if v.PollID == pollID {
			clone := *v
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (r *MemoryPollRepo) IncrementOptionCount(_ context.Context, pollID string, optionIndex int, weight float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[pollID]
	if !ok {
		return ErrPollNotFound
	}
	if optionIndex < 0 || optionIndex >= len(p.Tallies) {
		return fmt.Errorf("option index %d out of range for poll %s", optionIndex, pollID)
	}
	p.Tallies[optionIndex].Count += weight
	p.TotalVotes += weight
	return nil
}

func (r *MemoryPollRepo) UpdatePollTallies(_ context.Context, pollID string, tallies []model.OptionTally, total float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[pollID]
	if !ok {
		return ErrPollNotFound
	}
	p.Tallies = append([]model.OptionTally(nil), tallies...)
	p.TotalVotes = total
	return nil
}

func (r *MemoryPollRepo) Ping(context.Context) error { return nil }

func (r *MemoryPollRepo) Close(context.Context) error { return nil }

func clonePoll(p *model.Poll) *model.Poll {
	clone := *p
	clone.Options = append([]string(nil), p.Options...)
	clone.MessageIDs = append([]int64(nil), p.MessageIDs...)
	clone.Tallies = append([]model.OptionTally(nil), p.Tallies...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		clone.ClosedAt = &t
	}
	return &clone
}
