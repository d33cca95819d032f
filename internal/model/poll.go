package model

import (
	"math"
	"time"
)

type Status string

const (
	Pending      Status = "pending"
	Active       Status = "active"
	ReminderSent Status = "reminder_sent"
	Closed       Status = "closed"
	Cancelled    Status = "cancelled"
)

// AcceptingVotes reports whether a poll in this status still counts votes.
func (s Status) AcceptingVotes() bool {
	return s == Active || s == ReminderSent
}

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == Closed || s == Cancelled
}

type OptionTally struct {
	Label      string  `bson:"label" json:"label"`
	Count      float64 `bson:"count" json:"count"`
	Percentage float64 `bson:"percentage" json:"percentage"`
}

// Poll is the durable record of one poll run. Counts are weighted sums;
// with the default weight of 1.0 they stay whole numbers.
type Poll struct {
	ID            string        `bson:"_id" json:"id"`
	Question      string        `bson:"question" json:"question"`
	Options       []string      `bson:"options" json:"options"`
	Status        Status        `bson:"status" json:"status"`
	CreatedAt     time.Time     `bson:"created_at" json:"created_at"`
	RemindAt      time.Time     `bson:"remind_at" json:"remind_at"`
	CloseAt       time.Time     `bson:"close_at" json:"close_at"`
	ClosedAt      *time.Time    `bson:"closed_at,omitempty" json:"closed_at,omitempty"`
	PollMessageID int64         `bson:"poll_message_id" json:"poll_message_id"`
	MessageIDs    []int64       `bson:"message_ids,omitempty" json:"message_ids,omitempty"`
	TotalVotes    float64       `bson:"total_votes" json:"total_votes"`
	Tallies       []OptionTally `bson:"tallies" json:"tallies"`
	LastError     string        `bson:"last_error,omitempty" json:"last_error,omitempty"`
}

// NewTallies builds zeroed per-option tallies in option order.
func NewTallies(options []string) []OptionTally {
	tallies := make([]OptionTally, len(options))
	for i, opt := range options {
		tallies[i] = OptionTally{Label: opt}
	}
	return tallies
}

// RecomputePercentages refreshes every percentage from the current counts.
// All percentages are zero while the poll has no votes.
func (p *Poll) RecomputePercentages() {
	for i := range p.Tallies {
		if p.TotalVotes <= 0 {
			p.Tallies[i].Percentage = 0
			continue
		}
		p.Tallies[i].Percentage = math.Round(p.Tallies[i].Count / p.TotalVotes * 100)
	}
}

// Winners returns the labels holding the highest count. Empty when the
// poll has no votes; more than one label means a tie.
func (p *Poll) Winners() []string {
	if p.TotalVotes <= 0 {
		return nil
	}
	max := 0.0
	for _, t := range p.Tallies {
		if t.Count > max {
			max = t.Count
		}
	}
	if max <= 0 {
		return nil
	}
	var winners []string
	for _, t := range p.Tallies {
		if t.Count == max {
			winners = append(winners, t.Label)
		}
	}
	return winners
}
