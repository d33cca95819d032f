package model

import (
	"fmt"
	"time"
)

// Vote is the durable record of one user's choice in one poll. The
// document id encodes the (user, poll) pair, so a second insert for the
// same pair can never succeed and the first choice stands.
type Vote struct {
	ID          string    `bson:"_id" json:"id"`
	PollID      string    `bson:"poll_id" json:"poll_id"`
	UserID      int64     `bson:"user_id" json:"user_id"`
	DisplayName string    `bson:"display_name,omitempty" json:"display_name,omitempty"`
	OptionIndex int       `bson:"option_index" json:"option_index"`
	Weight      float64   `bson:"weight" json:"weight"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
}

// VoteKey is the dedup identity for one user's vote in one poll.
func VoteKey(userID int64, pollID string) string {
	return fmt.Sprintf("%d-%s", userID, pollID)
}

// VoteEvent is a vote notification as delivered by the messaging
// platform, before any validation or persistence.
type VoteEvent struct {
	PollID      string
	UserID      int64
	DisplayName string
	OptionIndex int
	Timestamp   time.Time
}

type VoteDisposition string

const (
	Accepted         VoteDisposition = "accepted"
	DuplicateIgnored VoteDisposition = "duplicate_ignored"
	Rejected         VoteDisposition = "rejected"
)

type RejectReason string

const (
	ReasonPollNotFound           RejectReason = "poll_not_found"
	ReasonPollNotAcceptingVotes  RejectReason = "poll_not_accepting_votes"
	ReasonInvalidOption          RejectReason = "invalid_option"
	ReasonPersistenceUnavailable RejectReason = "persistence_unavailable"
)

// VoteOutcome reports how the aggregation engine settled one vote event.
// Reason is set only for Rejected outcomes.
type VoteOutcome struct {
	Disposition VoteDisposition `json:"disposition"`
	Reason      RejectReason    `json:"reason,omitempty"`
}

func VoteAccepted() VoteOutcome  { return VoteOutcome{Disposition: Accepted} }
func VoteDuplicate() VoteOutcome { return VoteOutcome{Disposition: DuplicateIgnored} }

func VoteRejected(reason RejectReason) VoteOutcome {
	return VoteOutcome{Disposition: Rejected, Reason: reason}
}
