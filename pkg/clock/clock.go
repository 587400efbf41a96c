// Package clock abstracts wall time and timers so time-gated rules can be tested.
package clock

import "time"

// Timer is the subset of *time.Timer the orchestrator needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock provides the current time and deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
