package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// TelegramGateway talks to the Bot API for a single configured chat.
// Polls are posted non-anonymous and single-answer so poll_answer
// updates identify the voter.
type TelegramGateway struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramGateway(token string, chatID int64) (*TelegramGateway, error) {
	return NewTelegramGatewayWithEndpoint(token, chatID, tgbotapi.APIEndpoint)
}

// NewTelegramGatewayWithEndpoint dials a custom API endpoint; tests
// point it at a local fake server.
func NewTelegramGatewayWithEndpoint(token string, chatID int64, endpoint string) (*TelegramGateway, error) {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}

	slog.Info("telegram gateway ready", "bot", bot.Self.UserName, "chat_id", chatID)
	return &TelegramGateway{bot: bot, chatID: chatID}, nil
}

func (g *TelegramGateway) PostPoll(ctx context.Context, question string, options []string) (PollMessage, error) {
	if err := ctx.Err(); err != nil {
		return PollMessage{}, err
	}

	poll := tgbotapi.NewPoll(g.chatID, question, options...)
	poll.IsAnonymous = false
	poll.AllowsMultipleAnswers = false

	msg, err := g.bot.Send(poll)
	if err != nil {
		return PollMessage{}, fmt.Errorf("send poll: %w", err)
	}
	if msg.Poll == nil {
		return PollMessage{}, fmt.Errorf("send poll: response carries no poll")
	}

	return PollMessage{PollID: msg.Poll.ID, MessageID: int64(msg.MessageID)}, nil
}

func (g *TelegramGateway) SendMessage(ctx context.Context, text string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(g.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	sent, err := g.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return int64(sent.MessageID), nil
}

func (g *TelegramGateway) SendImage(ctx context.Context, img Image) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var file tgbotapi.RequestFileData
	if strings.HasPrefix(img.Source, "http") {
		file = tgbotapi.FileURL(img.Source)
	} else {
		file = tgbotapi.FilePath(img.Source)
	}

	photo := tgbotapi.NewPhoto(g.chatID, file)
	photo.Caption = img.Caption
	photo.ParseMode = tgbotapi.ModeHTML

	sent, err := g.bot.Send(photo)
	if err != nil {
		return 0, fmt.Errorf("send image: %w", err)
	}
	return int64(sent.MessageID), nil
}

func (g *TelegramGateway) EditMessage(ctx context.Context, messageID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(g.chatID, int(messageID), text)
	edit.ParseMode = tgbotapi.ModeHTML

	if _, err := g.bot.Send(edit); err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

func (g *TelegramGateway) DeleteMessage(ctx context.Context, messageID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := g.bot.Request(tgbotapi.NewDeleteMessage(g.chatID, int(messageID))); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}

func (g *TelegramGateway) StopPoll(ctx context.Context, messageID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := g.bot.StopPoll(tgbotapi.NewStopPoll(g.chatID, int(messageID))); err != nil {
		return fmt.Errorf("stop poll message %d: %w", messageID, err)
	}
	return nil
}

// Listen pumps poll_answer updates to handler until ctx is cancelled.
// Retractions (empty option list) carry no countable choice and are
// skipped.
func (g *TelegramGateway) Listen(ctx context.Context, handler func(model.VoteEvent)) error {
	u := tgbotapi.NewUpdate(0)
	// Long-poll timeout must stay under the HTTP client timeout.
	u.Timeout = 5
	u.AllowedUpdates = []string{"poll_answer"}

	updates := g.bot.GetUpdatesChan(u)
	slog.Info("listening for poll answers")

	for {
		select {
		case <-ctx.Done():
			g.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			answer := update.PollAnswer
			if answer == nil {
				continue
			}
			if len(answer.OptionIDs) == 0 {
				slog.Debug("vote retracted", "poll_id", answer.PollID, "user_id", answer.User.ID)
				continue
			}
			handler(model.VoteEvent{
				PollID:      answer.PollID,
				UserID:      answer.User.ID,
				DisplayName: displayName(answer.User),
				OptionIndex: answer.OptionIDs[0],
				Timestamp:   time.Now().UTC(),
			})
		}
	}
}

func (g *TelegramGateway) Close() error {
	g.bot.StopReceivingUpdates()
	return nil
}

func displayName(u tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
