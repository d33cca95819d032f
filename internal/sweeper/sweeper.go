package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer force-closes open polls whose deadline passed more than grace ago.
// The lifecycle controller implements it.
type Closer interface {
	CloseOverduePolls(ctx context.Context, grace time.Duration) (int, error)
}

// Sweeper periodically hunts for polls whose close timer never fired, for
// example after a crash between Recover and the deadline, and drives them
// through the normal close path.
type Sweeper struct {
	closer   Closer
	interval time.Duration
	grace    time.Duration

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(closer Closer, interval, grace time.Duration) (*Sweeper, error) {
	if closer == nil {
		return nil, errors.New("closer must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if grace < 0 {
		return nil, errors.New("grace must not be negative")
	}
	return &Sweeper{
		closer:   closer,
		interval: interval,
		grace:    grace,
		done:     make(chan struct{}),
	}, nil
}

func (s *Sweeper) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("sweeper started", "interval", s.interval.String(), "grace", s.grace.String())

		s.safeSweep(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("sweeper stopping")
				return
			case <-ticker.C:
				s.safeSweep(ctx)
			}
		}
	}()

	return true
}

func (s *Sweeper) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("sweeper stopped")
	return true
}

func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// TriggerSweep runs one sweep outside the schedule. The ops API uses it.
func (s *Sweeper) TriggerSweep(ctx context.Context) (int, error) {
	return s.closer.CloseOverduePolls(ctx, s.grace)
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sweep panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	closed, err := s.closer.CloseOverduePolls(ctx, s.grace)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		return
	}
	if closed > 0 {
		slog.Warn("sweep closed overdue polls",
			"count", closed,
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		slog.Debug("sweep completed", "duration_ms", time.Since(start).Milliseconds())
	}
}
