/*
Package scaler drives a multi-channel hardware counter bank over TCP or
serial.  The bank speaks a small telegram protocol: CRC-checksummed,
escaped frames carrying an opcode, a channel and an optional value, see
EncodeTelegram.

A Bank satisfies device.Countable and device.MultiChannel, so it is
registered with the counter registry once per channel of interest, sharing
the same Bank value.  Channel 1 of a bank accumulates time, which makes it
the usual monitor channel.
*/
package scaler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/lnls-sol/goscan/comm"
)

const (
	// defaultChannel is the channel addressed when callers pass zero.
	defaultChannel = 2

	// statusCounting is the status payload while the gate is open.
	statusCounting = 1

	commTimeout = 3 * time.Second

	// statusPollHz caps how often Wait may query the bank, so a scan
	// blocked on a long count does not hammer the bus.
	statusPollHz = 20
)

// Bank is one counter bank on the bus.  All exported methods are a single
// conversation each; the pool serializes concurrent callers.
type Bank struct {
	pool     *comm.Pool
	addr     byte
	channels int
	timeout  time.Duration
	poller   *rate.Limiter
}

// NewBank returns a bank at bus address busAddr with the given number of
// channels, between 2 and 255.
func NewBank(pool *comm.Pool, busAddr byte, channels int) *Bank {
	if channels < 2 {
		channels = 2
	}
	if channels > 255 {
		channels = 255
	}
	return &Bank{
		pool:     pool,
		addr:     busAddr,
		channels: channels,
		timeout:  commTimeout,
		poller:   rate.NewLimiter(statusPollHz, 1),
	}
}

// NumChannels returns the number of channels.
func (b *Bank) NumChannels() int { return b.channels }

// exchange performs one telegram conversation with the bank.
func (b *Bank) exchange(f Frame) (Frame, error) {
	conn, err := b.pool.Get()
	if err != nil {
		return Frame{}, err
	}
	defer func() { b.pool.ReturnWithError(conn, err) }()
	wrap, err := comm.NewTimeout(conn, b.timeout)
	if err != nil {
		return Frame{}, err
	}
	wrap = comm.NewTerminator(wrap, eot, eot)
	if _, err = wrap.Write(EncodeTelegram(f)); err != nil {
		return Frame{}, err
	}
	buf := make([]byte, 256)
	var n int
	n, err = wrap.Read(buf)
	if err != nil {
		return Frame{}, err
	}
	var resp Frame
	resp, err = DecodeTelegram(buf[:n])
	if err != nil {
		return Frame{}, err
	}
	if resp.Op == OpNack {
		reason := "unspecified"
		if len(resp.Data) > 0 {
			if s, ok := nackText[resp.Data[0]]; ok {
				reason = s
			} else {
				reason = fmt.Sprintf("code %d", resp.Data[0])
			}
		}
		err = fmt.Errorf("bank %#02x refused op %#02x: %s", b.addr, f.Op, reason)
		return Frame{}, err
	}
	if resp.Addr != b.addr {
		err = fmt.Errorf("bank %#02x: response from %#02x", b.addr, resp.Addr)
		return Frame{}, err
	}
	if resp.Op != f.Op {
		err = fmt.Errorf("bank %#02x: sent op %#02x, response for %#02x", b.addr, f.Op, resp.Op)
		return Frame{}, err
	}
	return resp, nil
}

func (b *Bank) channelByte(channel int) (byte, error) {
	if channel == 0 {
		channel = defaultChannel
	}
	if channel < 1 || channel > b.channels {
		return 0, fmt.Errorf("bank %#02x has no channel %d", b.addr, channel)
	}
	return byte(channel), nil
}

// SetCountTime gates the next counts at t seconds, bank wide.
func (b *Bank) SetCountTime(t float64) error {
	if t <= 0 {
		return fmt.Errorf("bank %#02x: count time must be positive, got %v", b.addr, t)
	}
	_, err := b.exchange(Frame{Addr: b.addr, Op: OpSetTime, Data: putFloat(t)})
	return err
}

// SetPresetValue gates the next counts at v accumulated on channel.
// Channel zero addresses the default channel.
func (b *Bank) SetPresetValue(channel int, v float64) error {
	ch, err := b.channelByte(channel)
	if err != nil {
		return err
	}
	if v <= 0 {
		return fmt.Errorf("bank %#02x: preset must be positive, got %v", b.addr, v)
	}
	_, err = b.exchange(Frame{Addr: b.addr, Op: OpSetPreset, Channel: ch, Data: putFloat(v)})
	return err
}

// StartCount opens the gate on every channel.
func (b *Bank) StartCount() error {
	_, err := b.exchange(Frame{Addr: b.addr, Op: OpStart})
	return err
}

// StopCount force-closes the gate.
func (b *Bank) StopCount() error {
	_, err := b.exchange(Frame{Addr: b.addr, Op: OpStop})
	return err
}

// counting queries the gate status.
func (b *Bank) counting() (bool, error) {
	resp, err := b.exchange(Frame{Addr: b.addr, Op: OpStatus})
	if err != nil {
		return false, err
	}
	if len(resp.Data) != 1 {
		return false, fmt.Errorf("bank %#02x: status response carries %d data bytes, want 1", b.addr, len(resp.Data))
	}
	return resp.Data[0] == statusCounting, nil
}

// IsCounting reports whether the gate is open.  Communication failures
// read as not counting; the next conversation surfaces the error.
func (b *Bank) IsCounting() bool {
	counting, err := b.counting()
	if err != nil {
		return false
	}
	return counting
}

// Wait blocks until the gate closes, polling status at a paced rate.
func (b *Bank) Wait() error {
	ctx := context.Background()
	for {
		if err := b.poller.Wait(ctx); err != nil {
			return err
		}
		counting, err := b.counting()
		if err != nil {
			return err
		}
		if !counting {
			return nil
		}
	}
}

// GetValue reads the default channel.
func (b *Bank) GetValue() (float64, error) {
	return b.GetChannelValue(0)
}

// GetChannelValue reads one channel's accumulation.  Channel zero
// addresses the default channel.
func (b *Bank) GetChannelValue(channel int) (float64, error) {
	ch, err := b.channelByte(channel)
	if err != nil {
		return 0, err
	}
	resp, err := b.exchange(Frame{Addr: b.addr, Op: OpRead, Channel: ch})
	if err != nil {
		return 0, err
	}
	return parseFloat(resp.Data)
}

// CanMonitor reports that the bank may gate a count by preset.
func (b *Bank) CanMonitor() bool { return true }

// CanStopCount reports that the bank can be force-stopped.
func (b *Bank) CanStopCount() bool { return true }
