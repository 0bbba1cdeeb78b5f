// Package system provides the wall clock used outside tests.
package system

import (
	"context"
	"time"
)

// Clock implements crawler.Sleeper on top of the time package.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// SleepUntil blocks until Now reads t or later. It re-checks after every
// timer fire, so a wall clock step backwards only extends the sleep.
func (c Clock) SleepUntil(ctx context.Context, t time.Time) error {
	for {
		d := t.Sub(c.Now())
		if d <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
