package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// VoteQueue is the bounded buffer between the vote event pump and the
// aggregation engine. TryEnqueue never blocks: events beyond capacity
// are dropped and counted, not waited on.
type VoteQueue struct {
	events chan model.VoteEvent

	mu     sync.Mutex
	closed bool

	enqueued atomic.Int64
	dropped  atomic.Int64
	refused  atomic.Int64
}

type Stats struct {
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped"`
	Refused  int64 `json:"refused"`
}

func New(capacity int) *VoteQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &VoteQueue{events: make(chan model.VoteEvent, capacity)}
}

// TryEnqueue appends ev unless the queue is full or closed. Full-queue
// drops and after-close refusals are counted separately.
func (q *VoteQueue) TryEnqueue(ev model.VoteEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.refused.Add(1)
		return false
	}

	select {
	case q.events <- ev:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		slog.Warn("vote queue full, dropping event",
			"poll_id", ev.PollID,
			"user_id", ev.UserID,
			"dropped_total", q.dropped.Load(),
		)
		return false
	}
}

// Events is the consumer side. It drains remaining buffered events and
// then terminates once Close has been called.
func (q *VoteQueue) Events() <-chan model.VoteEvent {
	return q.events
}

// Close stops intake. Buffered events stay readable; later TryEnqueue
// calls are refused.
func (q *VoteQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}

func (q *VoteQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Enqueued returns the number of events accepted so far. The engine's
// flush barrier compares it against its processed counter.
func (q *VoteQueue) Enqueued() int64 {
	return q.enqueued.Load()
}

func (q *VoteQueue) Stats() Stats {
	return Stats{
		Depth:    len(q.events),
		Capacity: cap(q.events),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Refused:  q.refused.Load(),
	}
}
