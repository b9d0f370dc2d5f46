// Package clock provides a mockable time source.
// In production it wraps the time package. Tests inject MockClock so that
// device-wait and lock-retry loops finish without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
}

// --- Real Clock (simple wrapper) ---

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Sleep pauses the calling goroutine for d.
func (c *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// --- Mock Clock (for testing) ---

// MockClock is a test clock with controllable time. Sleep advances the clock
// instead of blocking and records the requested durations.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	sleeps  []time.Duration
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Sleep advances the mock time by d.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.sleeps = append(c.sleeps, d)
}

// Sleeps returns every duration passed to Sleep, in call order.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// --- Package-level convenience functions ---

var def Clock = &RealClock{}

// Default returns the process clock.
func Default() Clock {
	return def
}

// Now returns the current system time.
func Now() time.Time {
	return def.Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return def.Since(t)
}
