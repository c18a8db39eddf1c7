package sim

import (
	"fmt"
	"sync"
	"time"
)

// Clock is a countable that accumulates wall seconds.  It can serve as the
// registry monitor, turning a preset of N into an N second gate.
type Clock struct {
	mu      sync.Mutex
	name    string
	seconds float64
	started time.Time
	gateSec float64
	armed   bool
}

// NewClock returns a clock gated at one second.
func NewClock(name string) *Clock {
	return &Clock{name: name, seconds: 1}
}

// Mnemonic returns the clock's name.
func (c *Clock) Mnemonic() string { return c.name }

// SetCountTime gates the next counts at t seconds.
func (c *Clock) SetCountTime(t float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t <= 0 {
		return fmt.Errorf("clock %s: count time must be positive, got %v", c.name, t)
	}
	c.seconds = t
	return nil
}

// SetPresetValue gates the next counts at v seconds.  Seconds are the only
// thing a clock accumulates, so the channel is ignored.
func (c *Clock) SetPresetValue(channel int, v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v <= 0 {
		return fmt.Errorf("clock %s: preset must be positive, got %v", c.name, v)
	}
	c.seconds = v
	return nil
}

// StartCount opens the gate.
func (c *Clock) StartCount() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counting() {
		return fmt.Errorf("clock %s is already counting", c.name)
	}
	c.gateSec = c.seconds
	c.started = time.Now()
	c.armed = true
	return nil
}

// StopCount closes the gate at the elapsed time.
func (c *Clock) StopCount() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counting() {
		c.gateSec = time.Since(c.started).Seconds()
	}
	c.armed = false
	return nil
}

// IsCounting reports whether the gate is open.
func (c *Clock) IsCounting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counting()
}

func (c *Clock) counting() bool {
	if !c.armed {
		return false
	}
	if time.Since(c.started).Seconds() >= c.gateSec {
		c.armed = false
	}
	return c.armed
}

// Wait blocks until the gate closes.
func (c *Clock) Wait() error {
	for c.IsCounting() {
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

// GetValue reads the seconds accumulated by the last count.
func (c *Clock) GetValue() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0, nil
	}
	elapsed := time.Since(c.started).Seconds()
	if elapsed > c.gateSec {
		elapsed = c.gateSec
	}
	return elapsed, nil
}

// CanMonitor reports that the clock may gate a count.
func (c *Clock) CanMonitor() bool { return true }

// CanStopCount reports that the clock can be force-stopped.
func (c *Clock) CanStopCount() bool { return true }
