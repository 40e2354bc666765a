package mocks

import (
	"sync"
	"time"

	"github.com/mcoot/rhythmsync/internal/dependencies/clock"
)

// MockClock is a mock implementation of Clock for testing.
// Advance moves the clock forward and fires any timers that have come due.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// Ensure MockClock implements Clock
var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a MockClock set to the given time
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mocked current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires when the clock is advanced past the deadline
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{deadline: c.current.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- c.current
		return t.ch
	}
	c.timers = append(c.timers, t)
	return t.ch
}

// Advance moves the clock forward by the given duration, firing due timers
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.deadline.After(c.current) {
			t.ch <- c.current
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
}

// Set sets the clock to the given time
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
