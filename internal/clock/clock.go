// internal/clock/clock.go

// Package clock abstracts timer creation so scheduling logic runs
// against wall time in production and a manual clock in tests.
package clock

import (
	"time"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop prevents the callback from firing. It reports false when
	// the callback already ran or was stopped earlier.
	Stop() bool
}

type systemClock struct{}

// System returns the wall clock backed by time.AfterFunc.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{time.AfterFunc(d, f)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) Stop() bool {
	return t.t.Stop()
}
