package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lnls-sol/goscan/device"
)

type gateKind int

const (
	gateTime gateKind = iota
	gatePreset
)

// Response shapes a scaler channel as a Gaussian of a linked positionable:
// rate = Amplitude * exp(-(x-Center)^2 / (2*Sigma^2)) + Background counts
// per second, where x is the source position at the start of the count.
type Response struct {
	Source     device.Positionable
	Center     float64
	Sigma      float64
	Amplitude  float64
	Background float64
}

func (r Response) rate() (float64, error) {
	x, err := r.Source.GetValue()
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", r.Source.Mnemonic(), err)
	}
	d := x - r.Center
	rate := r.Amplitude*math.Exp(-d*d/(2*r.Sigma*r.Sigma)) + r.Background
	if rate < 0 {
		rate = 0
	}
	return rate, nil
}

// Scaler is a simulated multi-channel counter bank.  Channel 1 accumulates
// elapsed seconds; higher channels accumulate at a fixed rate sampled when
// the count starts, either from a configured Response or at random.
//
// A count runs until its gate expires.  The gate is either a count time or
// a preset value on one channel; arming one kind clears the other, so the
// last configured gate wins.
type Scaler struct {
	mu        sync.Mutex
	name      string
	channels  int
	deflt     int
	responses map[int]Response

	gate    gateKind
	seconds float64
	channel int
	preset  float64

	rates   []float64
	started time.Time
	gateSec float64
	armed   bool
}

// NewScaler returns a scaler named name with the given number of channels,
// at least two, gated at one second.  Channel 2 is the default read
// channel.
func NewScaler(name string, channels int) *Scaler {
	if channels < 2 {
		channels = 2
	}
	return &Scaler{
		name:      name,
		channels:  channels,
		deflt:     2,
		responses: map[int]Response{},
		gate:      gateTime,
		seconds:   1,
		rates:     make([]float64, channels+1),
	}
}

// Mnemonic returns the scaler's name.
func (s *Scaler) Mnemonic() string { return s.name }

// NumChannels returns the number of channels.
func (s *Scaler) NumChannels() int { return s.channels }

// SetResponse links a channel to a source position.  Channel 1 is the time
// channel and cannot be linked.
func (s *Scaler) SetResponse(channel int, r Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel <= 1 || channel > s.channels {
		return fmt.Errorf("scaler %s: channel %d cannot carry a response", s.name, channel)
	}
	if r.Source == nil {
		return fmt.Errorf("scaler %s: response needs a source device", s.name)
	}
	if r.Sigma <= 0 {
		return fmt.Errorf("scaler %s: response sigma must be positive, got %v", s.name, r.Sigma)
	}
	s.responses[channel] = r
	return nil
}

// SetCountTime gates the next counts at t seconds, clearing any channel
// preset.
func (s *Scaler) SetCountTime(t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t <= 0 {
		return fmt.Errorf("scaler %s: count time must be positive, got %v", s.name, t)
	}
	s.gate = gateTime
	s.seconds = t
	return nil
}

// SetPresetValue gates the next counts at v accumulated on channel,
// clearing the count time.  Channel zero addresses the default channel.
func (s *Scaler) SetPresetValue(channel int, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel == 0 {
		channel = s.deflt
	}
	if channel < 1 || channel > s.channels {
		return fmt.Errorf("scaler %s has no channel %d", s.name, channel)
	}
	if v <= 0 {
		return fmt.Errorf("scaler %s: preset must be positive, got %v", s.name, v)
	}
	s.gate = gatePreset
	s.channel = channel
	s.preset = v
	return nil
}

// StartCount samples the channel rates and opens the gate.
func (s *Scaler) StartCount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counting() {
		return fmt.Errorf("scaler %s is already counting", s.name)
	}
	for ch := 2; ch <= s.channels; ch++ {
		r, ok := s.responses[ch]
		if !ok {
			s.rates[ch] = rand.Float64() * 100
			continue
		}
		rate, err := r.rate()
		if err != nil {
			return fmt.Errorf("scaler %s channel %d: %w", s.name, ch, err)
		}
		s.rates[ch] = rate
	}
	switch s.gate {
	case gateTime:
		s.gateSec = s.seconds
	case gatePreset:
		if s.channel == 1 {
			s.gateSec = s.preset
		} else {
			rate := s.rates[s.channel]
			if rate <= 0 {
				return fmt.Errorf("scaler %s: preset on channel %d cannot be reached, channel rate is zero", s.name, s.channel)
			}
			s.gateSec = s.preset / rate
		}
	}
	s.started = time.Now()
	s.armed = true
	return nil
}

// StopCount closes the gate at the current accumulation.
func (s *Scaler) StopCount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counting() {
		s.gateSec = time.Since(s.started).Seconds()
	}
	s.armed = false
	return nil
}

// IsCounting reports whether the gate is open.
func (s *Scaler) IsCounting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counting()
}

// counting must be called with the lock held.
func (s *Scaler) counting() bool {
	if !s.armed {
		return false
	}
	if time.Since(s.started).Seconds() >= s.gateSec {
		s.armed = false
	}
	return s.armed
}

// Wait blocks until the gate closes.
func (s *Scaler) Wait() error {
	for s.IsCounting() {
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

// GetValue reads the default channel.
func (s *Scaler) GetValue() (float64, error) {
	return s.GetChannelValue(0)
}

// GetChannelValue reads one channel's accumulation from the last count.
// Channel zero addresses the default channel.
func (s *Scaler) GetChannelValue(channel int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel == 0 {
		channel = s.deflt
	}
	if channel < 1 || channel > s.channels {
		return 0, fmt.Errorf("scaler %s has no channel %d", s.name, channel)
	}
	if s.started.IsZero() {
		return 0, nil
	}
	elapsed := time.Since(s.started).Seconds()
	if elapsed > s.gateSec {
		elapsed = s.gateSec
	}
	if channel == 1 {
		return elapsed, nil
	}
	return s.rates[channel] * elapsed, nil
}

// CanMonitor reports that the scaler may gate a count by preset.
func (s *Scaler) CanMonitor() bool { return true }

// CanStopCount reports that the scaler can be force-stopped.
func (s *Scaler) CanStopCount() bool { return true }
