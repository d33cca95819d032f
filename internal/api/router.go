package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/polls", h.ListPolls)
	mux.HandleFunc("POST /v1/polls", h.CreatePoll)
	mux.HandleFunc("GET /v1/polls/{id}", h.GetPoll)
	mux.HandleFunc("GET /v1/polls/{id}/votes", h.ListVotes)
	mux.HandleFunc("POST /v1/polls/{id}/cancel", h.CancelPoll)

	mux.HandleFunc("GET /v1/queue/stats", h.QueueStats)

	mux.HandleFunc("GET /v1/sweeper/status", h.SweeperStatus)
	mux.HandleFunc("POST /v1/sweeper/start", h.SweeperStart)
	mux.HandleFunc("POST /v1/sweeper/stop", h.SweeperStop)
	mux.HandleFunc("POST /v1/sweep", h.TriggerSweep)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("telegram-polling-bot"))
	})

	return mux
}
