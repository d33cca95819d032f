package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

var _ Gateway = (*TelegramGateway)(nil)

type fakeTelegram struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls map[string][]url.Values
}

// newFakeTelegram serves a minimal Bot API. The endpoint handed to the
// gateway keeps the "/bot<token>/<method>" shape the client expects.
func newFakeTelegram(t *testing.T) *fakeTelegram {
	t.Helper()

	f := &fakeTelegram{calls: make(map[string][]url.Values)}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			_ = r.ParseMultipartForm(32 << 20)
		} else {
			_ = r.ParseForm()
		}

		f.mu.Lock()
		f.calls[method] = append(f.calls[method], r.Form)
		n := len(f.calls["getUpdates"])
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pollbot","username":"pollbot"}}`))
		case "sendPoll":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":101,"poll":{"id":"poll-1","question":"q","options":[{"text":"A","voter_count":0},{"text":"B","voter_count":0}],"total_voter_count":0,"is_closed":false,"is_anonymous":false,"type":"regular","allows_multiple_answers":false}}}`))
		case "sendMessage":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":102}}`))
		case "sendPhoto":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":103}}`))
		case "editMessageText":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":101}}`))
		case "stopPoll":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":"poll-1","question":"q","options":[],"total_voter_count":0,"is_closed":true,"is_anonymous":false,"type":"regular","allows_multiple_answers":false}}`))
		case "getUpdates":
			// One batch with a vote and a retraction, then silence.
			if n <= 1 {
				_, _ = w.Write([]byte(`{"ok":true,"result":[
					{"update_id":1,"poll_answer":{"poll_id":"poll-1","user":{"id":7,"is_bot":false,"first_name":"Ada","username":"ada"},"option_ids":[1]}},
					{"update_id":2,"poll_answer":{"poll_id":"poll-1","user":{"id":8,"is_bot":false,"first_name":"Bob"},"option_ids":[]}}
				]}`))
			} else {
				_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
			}
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeTelegram) endpoint() string {
	return f.srv.URL + "/bot%s/%s"
}

func (f *fakeTelegram) lastCall(t *testing.T, method string) url.Values {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.calls[method]
	if len(calls) == 0 {
		t.Fatalf("expected a %s call, got none", method)
	}
	return calls[len(calls)-1]
}

func newTestGateway(t *testing.T, f *fakeTelegram) *TelegramGateway {
	t.Helper()
	g, err := NewTelegramGatewayWithEndpoint("test-token", -100123, f.endpoint())
	if err != nil {
		t.Fatalf("NewTelegramGatewayWithEndpoint() error: %v", err)
	}
	return g
}

func TestTelegramGateway_AuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	_, err := NewTelegramGatewayWithEndpoint("bad-token", 1, srv.URL+"/bot%s/%s")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "telegram auth") {
		t.Fatalf("expected auth error, got: %v", err)
	}
}

func TestTelegramGateway_PostPoll(t *testing.T) {
	t.Parallel()

	f := newFakeTelegram(t)
	g := newTestGateway(t, f)

	pm, err := g.PostPoll(context.Background(), "Daily Poll - 2026-08-01 10:00", []string{"A", "B"})
	if err != nil {
		t.Fatalf("PostPoll() error: %v", err)
	}
	if pm.PollID != "poll-1" {
		t.Fatalf("expected poll id %q, got %q", "poll-1", pm.PollID)
	}
	if pm.MessageID != 101 {
		t.Fatalf("expected message id 101, got %d", pm.MessageID)
	}

	params := f.lastCall(t, "sendPoll")
	if got := params.Get("question"); got != "Daily Poll - 2026-08-01 10:00" {
		t.Fatalf("unexpected question param: %q", got)
	}
	if got := params.Get("chat_id"); got != "-100123" {
		t.Fatalf("unexpected chat_id param: %q", got)
	}
	if got := params.Get("is_anonymous"); got == "true" {
		t.Fatalf("expected non-anonymous poll, got is_anonymous=%q", got)
	}
	if got := params.Get("allows_multiple_answers"); got == "true" {
		t.Fatalf("expected single-answer poll, got allows_multiple_answers=%q", got)
	}

	var options []string
	if err := json.Unmarshal([]byte(params.Get("options")), &options); err != nil {
		t.Fatalf("failed to decode options param %q: %v", params.Get("options"), err)
	}
	if len(options) != 2 || options[0] != "A" || options[1] != "B" {
		t.Fatalf("unexpected options: %v", options)
	}
}

func TestTelegramGateway_SendMessage_HTML(t *testing.T) {
	t.Parallel()

	f := newFakeTelegram(t)
	g := newTestGateway(t, f)

	id, err := g.SendMessage(context.Background(), "<b>Reminder!</b>")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if id != 102 {
		t.Fatalf("expected message id 102, got %d", id)
	}

	params := f.lastCall(t, "sendMessage")
	if got := params.Get("parse_mode"); got != tgbotapi.ModeHTML {
		t.Fatalf("expected HTML parse mode, got %q", got)
	}
	if got := params.Get("text"); got != "<b>Reminder!</b>" {
		t.Fatalf("unexpected text param: %q", got)
	}
}

func TestTelegramGateway_SendImage_URLvsFile(t *testing.T) {
	t.Parallel()

	f := newFakeTelegram(t)
	g := newTestGateway(t, f)

	id, err := g.SendImage(context.Background(), Image{Source: "https://example.com/pic.jpg", Caption: "caption"})
	if err != nil {
		t.Fatalf("SendImage() url error: %v", err)
	}
	if id != 103 {
		t.Fatalf("expected message id 103, got %d", id)
	}
	params := f.lastCall(t, "sendPhoto")
	if got := params.Get("photo"); got != "https://example.com/pic.jpg" {
		t.Fatalf("expected photo param to carry the url, got %q", got)
	}
	if got := params.Get("caption"); got != "caption" {
		t.Fatalf("unexpected caption param: %q", got)
	}

	// A non-url source uploads the local file instead.
	path := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(path, []byte("jpegdata"), 0o600); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	if _, err := g.SendImage(context.Background(), Image{Source: path, Caption: "local"}); err != nil {
		t.Fatalf("SendImage() file error: %v", err)
	}
	params = f.lastCall(t, "sendPhoto")
	if got := params.Get("photo"); got != "" {
		t.Fatalf("expected file upload without photo url param, got %q", got)
	}
}

func TestTelegramGateway_EditStopDelete(t *testing.T) {
	t.Parallel()

	f := newFakeTelegram(t)
	g := newTestGateway(t, f)
	ctx := context.Background()

	if err := g.EditMessage(ctx, 101, "updated"); err != nil {
		t.Fatalf("EditMessage() error: %v", err)
	}
	params := f.lastCall(t, "editMessageText")
	if got := params.Get("message_id"); got != "101" {
		t.Fatalf("unexpected message_id param: %q", got)
	}

	if err := g.StopPoll(ctx, 101); err != nil {
		t.Fatalf("StopPoll() error: %v", err)
	}
	params = f.lastCall(t, "stopPoll")
	if got := params.Get("message_id"); got != "101" {
		t.Fatalf("unexpected message_id param: %q", got)
	}

	if err := g.DeleteMessage(ctx, 55); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	params = f.lastCall(t, "deleteMessage")
	if got := params.Get("message_id"); got != "55" {
		t.Fatalf("unexpected message_id param: %q", got)
	}
}

func TestTelegramGateway_CancelledContext(t *testing.T) {
	t.Parallel()

	f := newFakeTelegram(t)
	g := newTestGateway(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.PostPoll(ctx, "q", []string{"A", "B"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := g.SendMessage(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := g.StopPoll(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTelegramGateway_Listen_SkipsRetractions(t *testing.T) {
	t.Parallel()

	f := newFakeTelegram(t)
	g := newTestGateway(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []model.VoteEvent

	done := make(chan error, 1)
	go func() {
		done <- g.Listen(ctx, func(ev model.VoteEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 1
	})

	mu.Lock()
	if len(events) != 1 {
		mu.Unlock()
		t.Fatalf("expected exactly 1 event (retraction skipped), got %d", len(events))
	}
	ev := events[0]
	mu.Unlock()

	if ev.PollID != "poll-1" || ev.UserID != 7 || ev.OptionIndex != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.DisplayName != "ada" {
		t.Fatalf("expected display name %q, got %q", "ada", ev.DisplayName)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled from Listen, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Listen did not return after cancel")
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	if got := displayName(tgbotapi.User{UserName: "ada", FirstName: "Ada"}); got != "ada" {
		t.Fatalf("expected username preferred, got %q", got)
	}
	if got := displayName(tgbotapi.User{FirstName: "Ada", LastName: "Lovelace"}); got != "Ada Lovelace" {
		t.Fatalf("expected full name fallback, got %q", got)
	}
	if got := displayName(tgbotapi.User{FirstName: "Ada"}); got != "Ada" {
		t.Fatalf("expected trimmed first name, got %q", got)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
