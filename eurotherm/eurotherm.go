/*
Package eurotherm drives Eurotherm 2400 series temperature controllers
over Modbus TCP or RTU.

A Controller satisfies device.Positionable, so a temperature ramp can be
an axis in a scan: SetValue writes the target setpoint and Wait blocks
until the process value settles within a window of it.
*/
package eurotherm

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Modbus comms addresses of the 2400 series.
const (
	regPV        = 1
	regSetpoint  = 2
	regPower     = 3
	regWorkingSP = 5
	regRampRate  = 35
	regSPHigh    = 111
	regSPLow     = 112
)

const (
	defaultScale = 10 // registers carry tenths of a degree
	defaultDelta = 0.5
	defaultPoll  = 500 * time.Millisecond
	commTimeout  = 5 * time.Second
)

// Controller is one temperature loop.  Methods are safe for one caller at
// a time per conversation, which the Modbus transport serializes.
type Controller struct {
	mu     sync.Mutex
	client modbus.Client
	closer io.Closer
	name   string
	scale  float64
	delta  float64
	poll   time.Duration
	ll, hl float64
	target float64
	armed  bool
}

// NewController wraps an existing Modbus client.  Limits are left
// unconfigured; fetch them with RefreshLimits when the instrument is
// reachable.
func NewController(client modbus.Client, mnemonic string) *Controller {
	return &Controller{
		client: client,
		name:   mnemonic,
		scale:  defaultScale,
		delta:  defaultDelta,
		poll:   defaultPoll,
	}
}

// NewTCP connects to a controller over Modbus TCP and fetches its
// setpoint limits.
func NewTCP(addr string, slaveID byte, mnemonic string) (*Controller, error) {
	h := modbus.NewTCPClientHandler(addr)
	h.Timeout = commTimeout
	h.SlaveId = slaveID
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("controller %s: connecting %s: %w", mnemonic, addr, err)
	}
	c := NewController(modbus.NewClient(h), mnemonic)
	c.closer = h
	if err := c.RefreshLimits(); err != nil {
		h.Close()
		return nil, err
	}
	return c, nil
}

// NewRTU connects to a controller on a serial line and fetches its
// setpoint limits.
func NewRTU(port string, baud int, slaveID byte, mnemonic string) (*Controller, error) {
	h := modbus.NewRTUClientHandler(port)
	if baud > 0 {
		h.BaudRate = baud
	}
	h.Timeout = commTimeout
	h.SlaveId = slaveID
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("controller %s: opening %s: %w", mnemonic, port, err)
	}
	c := NewController(modbus.NewClient(h), mnemonic)
	c.closer = h
	if err := c.RefreshLimits(); err != nil {
		h.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the transport when the controller owns it.
func (c *Controller) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// SetScale changes the register scaling in counts per degree, for
// instruments configured with a different display resolution.
func (c *Controller) SetScale(countsPerUnit float64) error {
	if countsPerUnit <= 0 {
		return fmt.Errorf("controller %s: scale must be positive, got %v", c.name, countsPerUnit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scale = countsPerUnit
	return nil
}

// SetSettleWindow changes how close the process value must be to the
// target before Wait returns.
func (c *Controller) SetSettleWindow(delta float64) error {
	if delta <= 0 {
		return fmt.Errorf("controller %s: settle window must be positive, got %v", c.name, delta)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delta = delta
	return nil
}

// SetPoll changes how often Wait samples the process value.
func (c *Controller) SetPoll(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.poll = d
	}
}

// RefreshLimits reads the setpoint limit registers into the cached soft
// limits.
func (c *Controller) RefreshLimits() error {
	hi, err := c.readRegister(regSPHigh)
	if err != nil {
		return fmt.Errorf("controller %s: reading setpoint high limit: %w", c.name, err)
	}
	lo, err := c.readRegister(regSPLow)
	if err != nil {
		return fmt.Errorf("controller %s: reading setpoint low limit: %w", c.name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll, c.hl = lo, hi
	return nil
}

// Mnemonic returns the controller's name.
func (c *Controller) Mnemonic() string { return c.name }

// GetValue reads the process value.
func (c *Controller) GetValue() (float64, error) {
	v, err := c.readRegister(regPV)
	if err != nil {
		return 0, fmt.Errorf("controller %s: reading process value: %w", c.name, err)
	}
	return v, nil
}

// LowLimitValue returns the cached setpoint low limit.
func (c *Controller) LowLimitValue() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll
}

// HighLimitValue returns the cached setpoint high limit.
func (c *Controller) HighLimitValue() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hl
}

// SetValue writes the target setpoint.  The loop approaches it at the
// configured ramp rate; use Wait for settling.
func (c *Controller) SetValue(target float64) error {
	c.mu.Lock()
	ll, hl := c.ll, c.hl
	c.mu.Unlock()
	if !(ll == 0 && hl == 0) && (target < ll || target > hl) {
		return fmt.Errorf("controller %s: target %v outside setpoint limits [%v, %v]", c.name, target, ll, hl)
	}
	if err := c.writeRegister(regSetpoint, target); err != nil {
		return fmt.Errorf("controller %s: writing setpoint: %w", c.name, err)
	}
	c.mu.Lock()
	c.target = target
	c.armed = true
	c.mu.Unlock()
	return nil
}

// Wait blocks until the process value is within the settle window of the
// last commanded target.
func (c *Controller) Wait() error {
	c.mu.Lock()
	armed, target, delta, poll := c.armed, c.target, c.delta, c.poll
	c.mu.Unlock()
	if !armed {
		return nil
	}
	for {
		pv, err := c.GetValue()
		if err != nil {
			return err
		}
		if math.Abs(pv-target) <= delta {
			return nil
		}
		time.Sleep(poll)
	}
}

// Target reads back the target setpoint register.
func (c *Controller) Target() (float64, error) {
	return c.readRegister(regSetpoint)
}

// WorkingSetpoint reads the instantaneous setpoint, which trails the
// target while a ramp is in progress.
func (c *Controller) WorkingSetpoint() (float64, error) {
	return c.readRegister(regWorkingSP)
}

// Power reads the loop output power in percent.
func (c *Controller) Power() (float64, error) {
	return c.readRegister(regPower)
}

// RampRate reads the setpoint rate limit in degrees per minute.
func (c *Controller) RampRate() (float64, error) {
	return c.readRegister(regRampRate)
}

// SetRampRate writes the setpoint rate limit in degrees per minute.
// Zero disables rate limiting on the instrument.
func (c *Controller) SetRampRate(v float64) error {
	if v < 0 {
		return fmt.Errorf("controller %s: ramp rate cannot be negative, got %v", c.name, v)
	}
	return c.writeRegister(regRampRate, v)
}

// Hold rewrites the setpoint to the current process value, parking the
// loop where it is.
func (c *Controller) Hold() error {
	pv, err := c.GetValue()
	if err != nil {
		return err
	}
	return c.SetValue(pv)
}

// Stop drives the setpoint to the low limit.
func (c *Controller) Stop() error {
	c.mu.Lock()
	ll := c.ll
	c.mu.Unlock()
	return c.SetValue(ll)
}

func (c *Controller) readRegister(addr uint16) (float64, error) {
	data, err := c.client.ReadHoldingRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	if len(data) != 2 {
		return 0, fmt.Errorf("register %d returned %d bytes, want 2", addr, len(data))
	}
	raw := int16(uint16(data[0])<<8 | uint16(data[1]))
	c.mu.Lock()
	scale := c.scale
	c.mu.Unlock()
	return float64(raw) / scale, nil
}

func (c *Controller) writeRegister(addr uint16, v float64) error {
	c.mu.Lock()
	scale := c.scale
	c.mu.Unlock()
	counts := math.Round(v * scale)
	if counts < math.MinInt16 || counts > math.MaxInt16 {
		return fmt.Errorf("value %v does not fit register %d at scale %v", v, addr, scale)
	}
	_, err := c.client.WriteSingleRegister(addr, uint16(int16(counts)))
	return err
}
