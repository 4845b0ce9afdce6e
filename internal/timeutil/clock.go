// Package timeutil provides a testable abstraction over time and the
// deterministic frame scheduler that drives every capture task.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// Until returns the duration until t.
	Until(t time.Time) time.Duration

	// Sleep pauses for the specified duration.
	Sleep(d time.Duration)
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until returns the duration until t.
func (RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// Sleep pauses the current goroutine for at least the duration d.
func (RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// FrameClock is a virtual clock that only moves when advanced. The scheduler
// owns one and advances it by a fixed step per frame, which makes timed waits
// independent of how long a frame actually takes to compute.
type FrameClock struct {
	mu    sync.Mutex
	epoch time.Time
	now   time.Time
}

// NewFrameClock creates a FrameClock starting at epoch.
func NewFrameClock(epoch time.Time) *FrameClock {
	return &FrameClock{epoch: epoch, now: epoch}
}

// Now returns the virtual time.
func (c *FrameClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the virtual duration since t.
func (c *FrameClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the virtual duration until t.
func (c *FrameClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Sleep advances the virtual clock by d and returns immediately.
func (c *FrameClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *FrameClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Elapsed returns the virtual time elapsed since the epoch.
func (c *FrameClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.epoch)
}
