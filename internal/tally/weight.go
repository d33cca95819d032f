package tally

import (
	"time"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// PollContext carries the per-poll facts a weight function may consult.
// LastAcceptedAt is zero until the poll has an accepted vote.
type PollContext struct {
	Poll           *model.Poll
	LastAcceptedAt time.Time
}

// WeightFunc maps an accepted vote to its tally contribution.
type WeightFunc func(ev model.VoteEvent, pc PollContext) float64

// FlatWeight weighs every vote 1.0, the default.
func FlatWeight(model.VoteEvent, PollContext) float64 { return 1 }

// BurstDiscount weighs a vote arriving within window of the poll's
// previous accepted vote at discounted instead of 1.0. The first
// accepted vote of a poll always weighs 1.0.
func BurstDiscount(window time.Duration, discounted float64) WeightFunc {
	return func(ev model.VoteEvent, pc PollContext) float64 {
		if pc.LastAcceptedAt.IsZero() {
			return 1
		}
		if ev.Timestamp.Sub(pc.LastAcceptedAt) < window {
			return discounted
		}
		return 1
	}
}
