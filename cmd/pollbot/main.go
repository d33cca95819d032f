package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kel027/telegram-polling-bot/internal/api"
	"github.com/kel027/telegram-polling-bot/internal/cache"
	"github.com/kel027/telegram-polling-bot/internal/clock"
	"github.com/kel027/telegram-polling-bot/internal/config"
	"github.com/kel027/telegram-polling-bot/internal/gateway"
	"github.com/kel027/telegram-polling-bot/internal/lifecycle"
	"github.com/kel027/telegram-polling-bot/internal/model"
	"github.com/kel027/telegram-polling-bot/internal/queue"
	"github.com/kel027/telegram-polling-bot/internal/repo"
	"github.com/kel027/telegram-polling-bot/internal/shutdown"
	"github.com/kel027/telegram-polling-bot/internal/sweeper"
	"github.com/kel027/telegram-polling-bot/internal/tally"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("polling bot starting (addr=%s, backend=%s, autostart=%v, redis=%v)",
		cfg.Server.Address,
		cfg.Store.Backend,
		cfg.Poll.Autostart,
		cfg.Redis.Enabled,
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStore(startCtx, cfg)
	cancelStart()
	if err != nil {
		log.Fatal(err)
	}

	var tallyCache cache.TallyCache = cache.Noop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		tallyCache = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	gw, err := gateway.NewTelegramGateway(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		log.Fatal(err)
	}

	votes := queue.New(cfg.Votes.QueueCapacity)

	engine := tally.NewEngine(store, votes).
		WithCache(tallyCache).
		WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay)
	if cfg.Votes.BurstWindow > 0 {
		engine = engine.WithWeightFunc(tally.BurstDiscount(cfg.Votes.BurstWindow, cfg.Votes.BurstWeight))
	}

	ctrl := lifecycle.NewController(gw, store, engine, clock.System()).
		WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay).
		WithTimeout(cfg.Shutdown.DrainTimeout + 20*time.Second)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go engine.Run(runCtx)

	go func() {
		err := gw.Listen(runCtx, func(ev model.VoteEvent) {
			votes.TryEnqueue(ev)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("vote listener stopped", "error", err)
		}
	}()

	recovered, err := ctrl.Recover(runCtx)
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("recovery complete", "open_polls", recovered)

	sweepInterval := cfg.Sweep.Interval
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	sweep, err := sweeper.New(ctrl, sweepInterval, cfg.Sweep.Grace)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Sweep.Interval > 0 {
		sweep.Start()
	}

	if cfg.Poll.Autostart {
		req := lifecycle.CreatePollRequest{
			Question:       lifecycle.FormatQuestion(cfg.Poll.Question, time.Now().UTC()),
			Options:        cfg.Poll.Options,
			OpenDuration:   cfg.Poll.OpenDuration,
			ReminderOffset: cfg.Poll.ReminderOffset,
		}
		if cfg.Poll.SendImage {
			req.Image = &gateway.Image{Source: cfg.Poll.ImagePath, Caption: cfg.Poll.ImageCaption}
		}
		if _, err := ctrl.CreatePoll(runCtx, req); err != nil {
			// The API can still open polls; startup goes on.
			slog.Error("autostart poll failed", "error", err)
		}
	}

	handler := api.NewHandler(ctrl, store, tallyCache, votes, sweep).
		WithPollDefaults(cfg.Poll.OpenDuration, cfg.Poll.ReminderOffset)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}
	sweep.Stop()

	coord := shutdown.NewCoordinator(votes, engine, ctrl, cfg.Shutdown.DrainTimeout).
		AddCloser("gateway", gw.Close).
		AddCloser("cache", tallyCache.Close).
		AddCloser("store", func() error { return store.Close(shutdownCtx) })

	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown finished with errors", "error", err)
		os.Exit(1)
	}
}

// openStore builds the configured store backend. Postgres gets its schema
// ensured on the way up.
func openStore(ctx context.Context, cfg *config.Config) (repo.PollRepository, error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		store, err := repo.NewMongoPollRepo(ctx, cfg.Store.MongoURI, cfg.Store.DatabaseName)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store := repo.NewPostgresPollRepo(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		return repo.NewMemoryPollRepo(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
