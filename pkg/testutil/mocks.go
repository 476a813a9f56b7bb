// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"sync"
	"time"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// CallCounter counts invocations and can hold callers until released.
type CallCounter struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	started chan struct{}
}

// NewCallCounter creates a counter that does not block.
func NewCallCounter() *CallCounter {
	return &CallCounter{started: make(chan struct{}, 64)}
}

// Hold makes subsequent Hit calls block until Release.
func (c *CallCounter) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

// Release unblocks held callers.
func (c *CallCounter) Release() {
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Hit records a call and blocks while the counter is held.
func (c *CallCounter) Hit() int {
	c.mu.Lock()
	c.calls++
	n := c.calls
	gate := c.gate
	c.mu.Unlock()

	select {
	case c.started <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	return n
}

// Started delivers one value per call as it begins.
func (c *CallCounter) Started() <-chan struct{} {
	return c.started
}

// Calls returns the number of recorded calls.
func (c *CallCounter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
