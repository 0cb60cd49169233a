package util

import (
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TestClock is a manually advanced clock for tests.
type TestClock struct {
	T time.Time
}

func (c *TestClock) Now() time.Time { return c.T }

func (c *TestClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
