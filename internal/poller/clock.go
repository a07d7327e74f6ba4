package poller

import "time"

// Timer is a scheduled callback that can be stopped
type Timer interface {
	Stop() bool
}

// Clock schedules the follow-up fetches of a session
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is backed by the time package
var RealClock Clock = realClock{}
