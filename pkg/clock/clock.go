// Package clock is the time source shared by the reminder, sweep and sync
// components. Production code uses the real clock; tests drive a fake one.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

type (
	Clock     = clockwork.Clock
	Timer     = clockwork.Timer
	FakeClock = clockwork.FakeClock
)

func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a manually advanced clock starting at t.
func NewFake(t time.Time) *FakeClock {
	return clockwork.NewFakeClockAt(t)
}

// Every invokes handler once per interval until ctx is done. The ticker is
// created before Every returns, so advancing a fake clock right after the call
// is observed. handler runs on a single goroutine and never overlaps itself.
func Every(ctx context.Context, c Clock, interval time.Duration, handler func(context.Context, time.Time)) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	ticker := c.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.Chan():
				handler(ctx, now)
			}
		}
	}()
	return done
}
