package gateway

import (
	"context"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// PollMessage identifies a freshly posted poll: the platform-assigned
// poll id and the chat message carrying it.
type PollMessage struct {
	PollID    string
	MessageID int64
}

// Image is a picture to post, either a local file path or an http(s) URL.
type Image struct {
	Source  string
	Caption string
}

// Gateway is the messaging platform surface the lifecycle controller
// drives. Implementations must be safe for concurrent use.
type Gateway interface {
	PostPoll(ctx context.Context, question string, options []string) (PollMessage, error)
	SendMessage(ctx context.Context, text string) (int64, error)
	SendImage(ctx context.Context, img Image) (int64, error)
	EditMessage(ctx context.Context, messageID int64, text string) error
	DeleteMessage(ctx context.Context, messageID int64) error
	StopPoll(ctx context.Context, messageID int64) error

	// Listen pumps vote events to handler until ctx is cancelled.
	Listen(ctx context.Context, handler func(model.VoteEvent)) error
	Close() error
}
