package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/queue"
)

// Drainer waits for already-queued vote events to settle.
type Drainer interface {
	Drain(ctx context.Context) (int64, error)
}

// TimerStopper disarms lifecycle timers without closing polls.
type TimerStopper interface {
	StopTimers()
}

type namedCloser struct {
	name  string
	close func() error
}

// Coordinator runs the ordered teardown: vote intake closes first so the
// drain sees a fixed backlog, queued votes settle, timers disarm, and only
// then do the external handles close. Open polls stay open; Recover picks
// them up on the next start.
type Coordinator struct {
	queue        *queue.VoteQueue
	engine       Drainer
	timers       TimerStopper
	drainTimeout time.Duration
	closers      []namedCloser
}

func NewCoordinator(q *queue.VoteQueue, engine Drainer, timers TimerStopper, drainTimeout time.Duration) *Coordinator {
	return &Coordinator{
		queue:        q,
		engine:       engine,
		timers:       timers,
		drainTimeout: drainTimeout,
	}
}

// AddCloser registers a handle to close after the drain, in registration
// order. Typical order: gateway, cache, store.
func (c *Coordinator) AddCloser(name string, fn func() error) *Coordinator {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
	return c
}

// Shutdown tears the system down. A queue remainder that did not settle
// within the drain timeout is reported, never silently dropped.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	slog.Info("shutdown started")

	c.queue.Close()

	var errs []error
	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	remaining, err := c.engine.Drain(drainCtx)
	cancel()
	if err != nil {
		slog.Warn("vote drain incomplete, events lost", "remaining", remaining, "error", err)
		errs = append(errs, fmt.Errorf("vote drain left %d events: %w", remaining, err))
	} else {
		slog.Info("vote queue drained")
	}

	c.timers.StopTimers()

	for _, cl := range c.closers {
		if err := cl.close(); err != nil {
			slog.Error("component close failed", "component", cl.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", cl.name, err))
		}
	}

	slog.Info("shutdown complete")
	return errors.Join(errs...)
}
