// Package clock abstracts wall-clock reads so loops and executors can be
// driven by a deterministic clock in tests.
package clock

import "time"

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }
