// Package util contains small helpers shared across the module.
package util

import "time"

// Limiter holds a min/max pair describing the allowed range of a value.
type Limiter struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// Contains reports whether v lies within [Min, Max].
func (l Limiter) Contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Timer tracks elapsed time against a timeout.  It stores the moment it was
// created or last Marked; Check and Wait compare against that moment.
//
// A zero timeout expires immediately.
type Timer struct {
	timeout time.Duration
	t1      time.Time
	exp     bool
}

// NewTimer returns a Timer marked now with the given timeout.
func NewTimer(timeout time.Duration) *Timer {
	t := &Timer{timeout: timeout}
	t.Mark()
	return t
}

// Mark resets the initial time and clears the expired flag.
func (t *Timer) Mark() {
	t.t1 = time.Now()
	t.exp = false
}

// Check reads the clock and compares against the timeout.  It returns true
// while the timeout has not been reached.  The expiration is latched and can
// be read later with Expired.
func (t *Timer) Check() bool {
	if time.Since(t.t1) >= t.timeout {
		t.exp = true
	}
	return !t.exp
}

// Expired returns the latched expiry value from the last Check or Wait.
func (t *Timer) Expired() bool {
	return t.exp
}

// Wait blocks until the timeout has elapsed, then latches expiry.
func (t *Timer) Wait() {
	rem := t.timeout - time.Since(t.t1)
	if rem > 0 {
		time.Sleep(rem)
	}
	t.exp = true
}
