package clock

import (
	"sync"
	"time"
)

// Clock abstracts time lookup and timer scheduling so timed transitions
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the subset of *time.Timer the callers rely on. Stop reports
// whether the timer was still pending.
type Timer interface {
	Stop() bool
}

func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Fake is a manually advanced Clock. Timers fire on the goroutine calling
// Advance or Set once their deadline is reached, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer whose deadline
// is reached, including timers armed by earlier firings in the same call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.Set(target)
}

// Set moves the clock to target, stepping through due timers so each
// callback observes the clock at its own deadline. Callers must not hold
// locks the timer callbacks also take.
func (f *Fake) Set(target time.Time) {
	f.mu.Lock()
	for {
		next := f.popDue(target)
		if next == nil {
			break
		}
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()
		next.fn()
		f.mu.Lock()
	}
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

// popDue removes and returns the earliest pending timer with deadline at
// or before target. Caller holds f.mu.
func (f *Fake) popDue(target time.Time) *fakeTimer {
	idx := -1
	for i, t := range f.timers {
		if t.stopped || t.at.After(target) {
			continue
		}
		if idx == -1 || t.at.Before(f.timers[idx].at) {
			idx = i
		}
	}
	if idx == -1 {
		return nil
	}
	t := f.timers[idx]
	t.stopped = true
	f.timers = append(f.timers[:idx], f.timers[idx+1:]...)
	return t
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
