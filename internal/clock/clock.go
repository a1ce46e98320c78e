// Package clock abstracts time so retry loops can be driven deterministically
// in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the current time and a cancellable sleep.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx's error in the
	// latter case. A non-positive d returns immediately.
	Sleep(ctx context.Context, d time.Duration) error
	// AfterFunc calls f once d has elapsed on this clock. The returned stop
	// function prevents the call if it has not happened yet.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Real returns a Clock backed by package time.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Fake is a Clock whose Sleep advances virtual time instantly. It records
// every requested sleep.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	timers []*fakeTimer

	// OnSleep, if set, runs after each Sleep with the requested duration.
	OnSleep func(d time.Duration)
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
	hook := f.OnSleep
	due := f.dueLocked()
	f.mu.Unlock()

	fire(due)
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// Advance moves virtual time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	due := f.dueLocked()
	f.mu.Unlock()

	fire(due)
}

type fakeTimer struct {
	at time.Time
	f  func()
}

// AfterFunc schedules f for virtual time now+d. It fires from the Advance
// or Sleep call that reaches it; a non-positive d fires immediately.
func (f *Fake) AfterFunc(d time.Duration, fn func()) func() bool {
	if d <= 0 {
		fn()
		return func() bool { return false }
	}
	f.mu.Lock()
	t := &fakeTimer{at: f.now.Add(d), f: fn}
	f.timers = append(f.timers, t)
	f.mu.Unlock()

	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, pending := range f.timers {
			if pending == t {
				f.timers = append(f.timers[:i], f.timers[i+1:]...)
				return true
			}
		}
		return false
	}
}

// dueLocked removes and returns the timers that have come due.
func (f *Fake) dueLocked() []func() {
	var due []func()
	kept := f.timers[:0]
	for _, t := range f.timers {
		if !t.at.After(f.now) {
			due = append(due, t.f)
			continue
		}
		kept = append(kept, t)
	}
	f.timers = kept
	return due
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Sleeps returns a copy of the recorded sleep durations.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
