/*Package counter coordinates the counting devices of a beamline.

A Registry maps mnemonics to countables and runs them as a group: arm,
start, wait, stop, snapshot.  One entry may be designated the monitor, in
which case a count runs until the monitor accumulates its preset instead
of for a fixed time; the other counters are armed with an effectively
infinite count time and force-stopped when the monitor finishes.

The registry is not safe for concurrent mutation.  Scans hold it one at a
time by contract; the HTTP layer serializes access with the locker
middleware.
*/
package counter

import (
	"errors"
	"fmt"

	"github.com/lnls-sol/goscan/device"
)

var (
	// ErrDuplicateMnemonic is generated when registering a mnemonic twice
	ErrDuplicateMnemonic = errors.New("mnemonic already registered")

	// ErrMonitorExists is generated when registering a second enabled monitor
	ErrMonitorExists = errors.New("a monitor is already registered")

	// ErrCannotMonitor is generated when the device reports it cannot monitor
	ErrCannotMonitor = errors.New("device cannot be used as a monitor")

	// ErrUnknownMnemonic is generated by Enable and Disable for missing entries
	ErrUnknownMnemonic = errors.New("mnemonic not registered")
)

// Entry describes how one countable participates in scans.
type Entry struct {
	// Device performs the counting.
	Device device.Countable

	// Channel routes presets and reads to one channel of a multi-channel
	// device when > 0.
	Channel int

	// Monitor marks this entry as the count gate.
	Monitor bool

	// Factor divides the device reading in snapshots.  Zero is treated
	// as one at registration.
	Factor float64

	// Enabled entries participate in counts.  Disabled ones are skipped
	// everywhere except StopAll.
	Enabled bool
}

// Reading is one counter value taken after a count completes.
type Reading struct {
	Mnemonic string
	Value    float64
}

// Registry tracks the countables of a process, keyed by mnemonic, in
// registration order.
type Registry struct {
	entries map[string]*Entry
	order   []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Register adds dev under mnemonic with no channel, no monitor role and a
// factor of one.
func (r *Registry) Register(mnemonic string, dev device.Countable) error {
	return r.RegisterEntry(mnemonic, Entry{Device: dev})
}

// RegisterEntry adds a fully specified entry.  The entry is created
// enabled.  Registration fails when the mnemonic is taken, when a second
// monitor is requested while an enabled one exists, or when the device
// reports it cannot monitor.
func (r *Registry) RegisterEntry(mnemonic string, e Entry) error {
	if e.Device == nil {
		return fmt.Errorf("counter %s: nil device", mnemonic)
	}
	if _, ok := r.entries[mnemonic]; ok {
		return fmt.Errorf("counter %s: %w", mnemonic, ErrDuplicateMnemonic)
	}
	if e.Monitor {
		if prev, _ := r.monitor(); prev != "" {
			return fmt.Errorf("counter %s: %w (monitor is %s)", mnemonic, ErrMonitorExists, prev)
		}
		if !e.Device.CanMonitor() {
			return fmt.Errorf("counter %s: %w", mnemonic, ErrCannotMonitor)
		}
	}
	if e.Factor == 0 {
		e.Factor = 1
	}
	e.Enabled = true
	r.entries[mnemonic] = &e
	r.order = append(r.order, mnemonic)
	return nil
}

// Enable marks the entry as participating in counts.
func (r *Registry) Enable(mnemonic string) error {
	e, ok := r.entries[mnemonic]
	if !ok {
		return fmt.Errorf("counter %s: %w", mnemonic, ErrUnknownMnemonic)
	}
	e.Enabled = true
	return nil
}

// Disable removes the entry from counts without forgetting it.
func (r *Registry) Disable(mnemonic string) error {
	e, ok := r.entries[mnemonic]
	if !ok {
		return fmt.Errorf("counter %s: %w", mnemonic, ErrUnknownMnemonic)
	}
	e.Enabled = false
	return nil
}

// Lookup returns a copy of the entry for mnemonic.
func (r *Registry) Lookup(mnemonic string) (Entry, bool) {
	e, ok := r.entries[mnemonic]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Mnemonics returns every registered mnemonic in registration order.
func (r *Registry) Mnemonics() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// EnabledMnemonics returns the enabled mnemonics in registration order.
func (r *Registry) EnabledMnemonics() []string {
	var out []string
	for _, name := range r.order {
		if r.entries[name].Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Monitor returns the mnemonic of the enabled monitor entry, if any.
func (r *Registry) Monitor() (string, bool) {
	name, e := r.monitor()
	return name, e != nil
}

func (r *Registry) monitor() (string, *Entry) {
	for _, name := range r.order {
		e := r.entries[name]
		if e.Monitor && e.Enabled {
			return name, e
		}
	}
	return "", nil
}

// StartAll arms and starts every enabled, idle counter.
//
// In monitor mode (useMonitor true and an enabled monitor exists) t is the
// monitor preset: the monitor is armed with it, every other stoppable
// entry gets an effectively infinite count time, and entries that cannot
// be force-stopped are not started at all.  Entries sharing the monitor's
// device are left untouched so the preset is not clobbered.
//
// Otherwise t is the count time in seconds, applied to every enabled idle
// entry before starting.
func (r *Registry) StartAll(t float64, useMonitor bool) error {
	monName, mon := r.monitor()
	if useMonitor && mon != nil {
		if err := mon.Device.SetPresetValue(mon.Channel, t); err != nil {
			return fmt.Errorf("arming monitor %s: %w", monName, err)
		}
		for _, name := range r.order {
			e := r.entries[name]
			if !e.Enabled || e.Device == mon.Device {
				continue
			}
			if e.Device.IsCounting() || !e.Device.CanStopCount() {
				continue
			}
			if err := e.Device.SetCountTime(device.InfiniteCountTime); err != nil {
				return fmt.Errorf("arming counter %s: %w", name, err)
			}
		}
		return r.start(true)
	}
	for _, name := range r.order {
		e := r.entries[name]
		if !e.Enabled || e.Device.IsCounting() {
			continue
		}
		if err := e.Device.SetCountTime(t); err != nil {
			return fmt.Errorf("arming counter %s: %w", name, err)
		}
	}
	return r.start(false)
}

// start begins counting on every enabled idle entry.  In monitor mode,
// devices that cannot be force-stopped are skipped, since nothing could
// end their infinite count.
func (r *Registry) start(useMonitor bool) error {
	for _, name := range r.order {
		e := r.entries[name]
		if !e.Enabled || e.Device.IsCounting() {
			continue
		}
		if useMonitor && !e.Device.CanStopCount() {
			continue
		}
		if err := e.Device.StartCount(); err != nil {
			return fmt.Errorf("starting counter %s: %w", name, err)
		}
	}
	return nil
}

// WaitAll blocks until counting completes.  When monitor is true only the
// monitor entry is waited on; the rest are force-stopped by StopAll
// afterwards.  Otherwise every enabled entry is waited on.
func (r *Registry) WaitAll(monitor bool) error {
	if monitor {
		if name, mon := r.monitor(); mon != nil {
			if err := mon.Device.Wait(); err != nil {
				return fmt.Errorf("waiting on monitor %s: %w", name, err)
			}
			return nil
		}
	}
	for _, name := range r.order {
		e := r.entries[name]
		if !e.Enabled {
			continue
		}
		if err := e.Device.Wait(); err != nil {
			return fmt.Errorf("waiting on counter %s: %w", name, err)
		}
	}
	return nil
}

// StopAll force-stops every registered counter, enabled or not.  It keeps
// going past errors and reports the first one.
func (r *Registry) StopAll() error {
	var first error
	for _, name := range r.order {
		if err := r.entries[name].Device.StopCount(); err != nil && first == nil {
			first = fmt.Errorf("stopping counter %s: %w", name, err)
		}
	}
	return first
}

// Snapshot reads every enabled counter in registration order, dividing
// each value by the entry's factor.  Entries with Channel > 0 are read
// through the device's MultiChannel capability when it has one.
func (r *Registry) Snapshot() ([]Reading, error) {
	out := make([]Reading, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if !e.Enabled {
			continue
		}
		var (
			v   float64
			err error
		)
		if mc, ok := e.Device.(device.MultiChannel); ok && e.Channel > 0 {
			v, err = mc.GetChannelValue(e.Channel)
		} else {
			v, err = e.Device.GetValue()
		}
		if err != nil {
			return nil, fmt.Errorf("reading counter %s: %w", name, err)
		}
		out = append(out, Reading{Mnemonic: name, Value: v / e.Factor})
	}
	return out, nil
}
