package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/cache"
	"github.com/kel027/telegram-polling-bot/internal/lifecycle"
	"github.com/kel027/telegram-polling-bot/internal/model"
	"github.com/kel027/telegram-polling-bot/internal/queue"
	"github.com/kel027/telegram-polling-bot/internal/repo"
	"github.com/kel027/telegram-polling-bot/internal/sweeper"
)

// PollController is the slice of the lifecycle controller the API drives.
type PollController interface {
	CreatePoll(ctx context.Context, req lifecycle.CreatePollRequest) (*lifecycle.PollHandle, error)
	CancelPoll(ctx context.Context, id string) error
}

type Handler struct {
	ctrl    PollController
	store   repo.PollRepository
	tallies cache.TallyCache
	queue   *queue.VoteQueue
	sweep   *sweeper.Sweeper

	defaultDuration time.Duration
	defaultReminder time.Duration
}

func NewHandler(ctrl PollController, store repo.PollRepository, tallies cache.TallyCache, q *queue.VoteQueue, sweep *sweeper.Sweeper) *Handler {
	return &Handler{
		ctrl:            ctrl,
		store:           store,
		tallies:         tallies,
		queue:           q,
		sweep:           sweep,
		defaultDuration: 60 * time.Minute,
		defaultReminder: 15 * time.Minute,
	}
}

// WithPollDefaults sets the schedule used when a creation request leaves the
// durations out.
func (h *Handler) WithPollDefaults(duration, reminder time.Duration) *Handler {
	h.defaultDuration = duration
	h.defaultReminder = reminder
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListPolls(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusesFromQuery(r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items, err := h.store.ListPollsByStatus(r.Context(), statuses...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetPoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	poll, err := h.store.GetPoll(r.Context(), id)
	if errors.Is(err, repo.ErrPollNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Live tallies come from the cache when it has them; a miss is primed
	// from the record just read.
	source := "store"
	if snap, ok, err := h.tallies.GetTally(r.Context(), id); err == nil && ok {
		poll.Tallies = snap.Tallies
		poll.TotalVotes = snap.TotalVotes
		source = "cache"
	} else if err == nil {
		_ = h.tallies.StoreTally(r.Context(), id, cache.Snapshot{
			PollID:     poll.ID,
			Status:     poll.Status,
			TotalVotes: poll.TotalVotes,
			Tallies:    poll.Tallies,
			UpdatedAt:  time.Now().UTC(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"poll": poll, "tally_source": source})
}

func (h *Handler) ListVotes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.store.GetPoll(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrPollNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	votes, err := h.store.ListVotes(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": votes, "count": len(votes)})
}

type createPollRequest struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	DurationMins int      `json:"duration_mins"`
	ReminderMins int      `json:"reminder_mins"`
}

func (h *Handler) CreatePoll(w http.ResponseWriter, r *http.Request) {
	var body createPollRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	req := lifecycle.CreatePollRequest{
		Question:       body.Question,
		Options:        body.Options,
		OpenDuration:   h.defaultDuration,
		ReminderOffset: h.defaultReminder,
	}
	if body.DurationMins > 0 {
		req.OpenDuration = time.Duration(body.DurationMins) * time.Minute
	}
	if body.ReminderMins > 0 {
		req.ReminderOffset = time.Duration(body.ReminderMins) * time.Minute
	}

	handle, err := h.ctrl.CreatePoll(r.Context(), req)
	if err != nil {
		var verr *lifecycle.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"poll_id": handle.ID})
}

func (h *Handler) CancelPoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.ctrl.CancelPoll(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrPollNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"poll_id": id, "status": string(model.Cancelled)})
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *Handler) SweeperStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sweep.IsRunning()})
}

func (h *Handler) SweeperStart(w http.ResponseWriter, r *http.Request) {
	h.sweep.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sweep.IsRunning()})
}

func (h *Handler) SweeperStop(w http.ResponseWriter, r *http.Request) {
	h.sweep.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sweep.IsRunning()})
}

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	closed, err := h.sweep.TriggerSweep(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

// statusesFromQuery maps the status filter to store statuses. No filter means
// the polls still in play.
func statusesFromQuery(raw string) ([]model.Status, error) {
	if raw == "" {
		return []model.Status{model.Active, model.ReminderSent}, nil
	}
	switch s := model.Status(raw); s {
	case model.Pending, model.Active, model.ReminderSent, model.Closed, model.Cancelled:
		return []model.Status{s}, nil
	default:
		return nil, errors.New("unknown status: " + raw)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
