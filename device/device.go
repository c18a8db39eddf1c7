// Package device defines the capability interfaces instruments must satisfy
// to participate in scans.  Concrete drivers (simulated or hardware-backed)
// implement one or both of Positionable and Countable against their own
// transport; the scan engine and counter registry only ever speak to these
// interfaces.
package device

// InfiniteCountTime is the count time, in seconds, armed on stoppable
// counters in monitor mode so they run until the monitor halts them.
const InfiniteCountTime float64 = 1<<32 - 1

// Positionable is the capability set of a device that can be swept through
// setpoints: motors, temperature controllers, undulator gaps, and composites
// built from them.
type Positionable interface {
	// Mnemonic returns the short name the device is addressed by.  It is
	// used as the column label for the device in scan output.
	Mnemonic() string

	// GetValue reads back the current position.
	GetValue() (float64, error)

	// SetValue initiates motion toward target.  It may return before the
	// device settles; callers that need completion follow with Wait.
	// After SetValue and Wait both return nil, GetValue reflects target
	// within the device's own tolerance.
	SetValue(target float64) error

	// Wait blocks until the device has settled at its target, or returns
	// the device's failure.
	Wait() error

	// LowLimitValue returns the configured low soft limit.  Devices with
	// no configured limits return zero from both limit methods, which
	// callers treat as "limits not configured".
	LowLimitValue() float64

	// HighLimitValue returns the configured high soft limit.
	HighLimitValue() float64
}

// Countable is the capability set of a device that accumulates a value over
// an acquisition window: scalers, detectors, electrometers.
type Countable interface {
	// StartCount begins an acquisition.
	StartCount() error

	// StopCount force-stops an acquisition in progress.
	StopCount() error

	// IsCounting reports whether an acquisition is in progress.  It is
	// true strictly between a successful StartCount and the moment the
	// acquisition naturally completes or StopCount is called.
	IsCounting() bool

	// Wait blocks until the current acquisition completes.
	Wait() error

	// GetValue reads the accumulated value of the device's default channel.
	GetValue() (float64, error)

	// SetCountTime sets the acquisition window in seconds.
	SetCountTime(t float64) error

	// SetPresetValue arms a target count on the given channel, used in
	// monitor mode where completion is defined by counts, not time.
	SetPresetValue(channel int, v float64) error

	// CanMonitor reports whether the device may serve as the registry's
	// monitor, the single reference channel that defines "done".
	CanMonitor() bool

	// CanStopCount reports whether StopCount is effective.  Devices that
	// cannot be force-stopped are skipped in monitor mode, where every
	// non-monitor counter must be stoppable.
	CanStopCount() bool
}

// MultiChannel is implemented by countables that expose more than one
// accumulation channel.  The counter registry consults it for entries
// registered with a nonzero channel.
type MultiChannel interface {
	GetChannelValue(channel int) (float64, error)
}

// MovementValidator is implemented by devices whose limit semantics cannot
// be expressed as a fixed [low, high] interval, typically composites whose
// position is a function of several underlying devices.  Sweep validation
// defers to it when present.
type MovementValidator interface {
	// CanPerformMovement reports whether the device may be commanded to
	// target, with a human-readable reason when it may not.
	CanPerformMovement(target float64) (bool, string)
}
