package tally

import (
	"testing"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

func TestFlatWeight(t *testing.T) {
	t.Parallel()

	if got := FlatWeight(model.VoteEvent{}, PollContext{}); got != 1 {
		t.Fatalf("expected weight 1, got %v", got)
	}
}

func TestBurstDiscount(t *testing.T) {
	t.Parallel()

	fn := BurstDiscount(time.Second, 0.25)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	ev := model.VoteEvent{Timestamp: base}

	// First accepted vote of a poll is never discounted.
	if got := fn(ev, PollContext{}); got != 1 {
		t.Fatalf("expected 1 for first vote, got %v", got)
	}

	inside := model.VoteEvent{Timestamp: base.Add(500 * time.Millisecond)}
	if got := fn(inside, PollContext{LastAcceptedAt: base}); got != 0.25 {
		t.Fatalf("expected discount inside window, got %v", got)
	}

	atBoundary := model.VoteEvent{Timestamp: base.Add(time.Second)}
	if got := fn(atBoundary, PollContext{LastAcceptedAt: base}); got != 1 {
		t.Fatalf("expected full weight at window boundary, got %v", got)
	}

	outside := model.VoteEvent{Timestamp: base.Add(5 * time.Second)}
	if got := fn(outside, PollContext{LastAcceptedAt: base}); got != 1 {
		t.Fatalf("expected full weight outside window, got %v", got)
	}
}
