package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

const (
	pollsCollection = "polls"
	votesCollection = "votes"
)

// MongoPollRepo stores polls and votes in MongoDB. Vote documents use
// "<userID>-<pollID>" as _id, so the unique index on _id is the dedup
// guarantee and InsertVoteIfAbsent is a plain insert.
type MongoPollRepo struct {
	client *mongo.Client
	polls  *mongo.Collection
	votes  *mongo.Collection
}

func NewMongoPollRepo(ctx context.Context, uri, dbName string) (*MongoPollRepo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(dbName)
	return &MongoPollRepo{
		client: client,
		polls:  db.Collection(pollsCollection),
		votes:  db.Collection(votesCollection),
	}, nil
}

func (r *MongoPollRepo) UpsertPoll(ctx context.Context, p *model.Poll) error {
	_, err := r.polls.ReplaceOne(ctx,
		bson.M{"_id": p.ID},
		p,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *MongoPollRepo) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	var p model.Poll
	err := r.polls.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *MongoPollRepo) ListPollsByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Poll, error) {
	cursor, err := r.polls.Find(ctx,
		bson.M{"status": bson.M{"$in": statuses}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var polls []*model.Poll
	if err := cursor.All(ctx, &polls); err != nil {
		return nil, err
	}
	return polls, nil
}

func (r *MongoPollRepo) MarkReminderSent(ctx context.Context, id string, messageID int64) error {
	return r.transitionPoll(ctx, id, []model.Status{model.Active}, bson.M{
		"$set":  bson.M{"status": model.ReminderSent},
		"$push": bson.M{"message_ids": messageID},
	})
}

func (r *MongoPollRepo) MarkClosed(ctx context.Context, id string, closedAt time.Time) error {
	return r.transitionPoll(ctx, id, nonTerminalStatuses, bson.M{
		"$set": bson.M{"status": model.Closed, "closed_at": closedAt},
	})
}

func (r *MongoPollRepo) MarkCancelled(ctx context.Context, id string) error {
	return r.transitionPoll(ctx, id, nonTerminalStatuses, bson.M{
		"$set": bson.M{"status": model.Cancelled},
	})
}

func (r *MongoPollRepo) SetLastError(ctx context.Context, id string, msg string) error {
	return r.updatePoll(ctx, id, bson.M{
		"$set": bson.M{"last_error": msg},
	})
}

func (r *MongoPollRepo) InsertVoteIfAbsent(ctx context.Context, v *model.Vote) (bool, error) {
	_, err := r.votes.InsertOne(ctx, v)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *MongoPollRepo) GetVote(ctx context.Context, userID int64, pollID string) (*model.Vote, error) {
	var v model.Vote
	err := r.votes.FindOne(ctx, bson.M{"_id": model.VoteKey(userID, pollID)}).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *MongoPollRepo) ListVotes(ctx context.Context, pollID string) ([]*model.Vote, error) {
	cursor, err := r.votes.Find(ctx,
		bson.M{"poll_id": pollID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var votes []*model.Vote
	if err := cursor.All(ctx, &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

func (r *MongoPollRepo) IncrementOptionCount(ctx context.Context, pollID string, optionIndex int, weight float64) error {
	return r.updatePoll(ctx, pollID, bson.M{
		"$inc": bson.M{
			fmt.Sprintf("tallies.%d.count", optionIndex): weight,
			"total_votes": weight,
		},
	})
}

func (r *MongoPollRepo) UpdatePollTallies(ctx context.Context, pollID string, tallies []model.OptionTally, total float64) error {
	return r.updatePoll(ctx, pollID, bson.M{
		"$set": bson.M{"tallies": tallies, "total_votes": total},
	})
}

func (r *MongoPollRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

func (r *MongoPollRepo) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *MongoPollRepo) updatePoll(ctx context.Context, id string, update bson.M) error {
	res, err := r.polls.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrPollNotFound
	}
	return nil
}

// transitionPoll applies update only when the poll status is one of from.
func (r *MongoPollRepo) transitionPoll(ctx context.Context, id string, from []model.Status, update bson.M) error {
	res, err := r.polls.UpdateOne(ctx, bson.M{"_id": id, "status": bson.M{"$in": from}}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := r.GetPoll(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}
