package sim

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	servoPeriod    = time.Millisecond
	servoPeriodSec = 1e-3
)

func randN1to1() float64 {
	return rand.Float64()*2 - 1
}

// Motor is a simulated positionable.  It moves toward its target at a
// fixed velocity on a servo tick, optionally settles for a while after
// converging, and lands within noise of the target.
type Motor struct {
	mu       sync.Mutex
	name     string
	pos      float64
	velocity float64
	settle   time.Duration
	noise    float64
	ll, hl   float64
	moving   bool
	stop     bool
	done     chan struct{}
}

// NewMotor returns a motor at position zero moving at 100 units/s with no
// settle time, no noise and unconfigured limits.
func NewMotor(name string) *Motor {
	return &Motor{name: name, velocity: 100}
}

// SetVelocity changes the motion rate in units per second.
func (m *Motor) SetVelocity(v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v <= 0 {
		return fmt.Errorf("motor %s: velocity must be positive, got %v", m.name, v)
	}
	m.velocity = v
	return nil
}

// SetLimits configures the soft limits.  Both zero means unconfigured.
func (m *Motor) SetLimits(low, high float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll, m.hl = low, high
}

// SetSettle configures how long the motor keeps reporting motion after it
// converges, imitating mechanical settling.
func (m *Motor) SetSettle(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle = d
}

// SetNoise configures the positioning error amplitude.
func (m *Motor) SetNoise(eps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noise = eps
}

// Mnemonic returns the motor's name.
func (m *Motor) Mnemonic() string { return m.name }

// GetValue reads the current position, which is intermediate while a move
// is in flight.
func (m *Motor) GetValue() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

// LowLimitValue returns the configured low soft limit.
func (m *Motor) LowLimitValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll
}

// HighLimitValue returns the configured high soft limit.
func (m *Motor) HighLimitValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hl
}

// IsMoving reports whether a move is in flight.
func (m *Motor) IsMoving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving
}

// SetValue starts a move toward target and returns immediately.  It fails
// when a move is already in flight or the target violates the limits.
func (m *Motor) SetValue(target float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moving {
		return fmt.Errorf("motor %s is already moving", m.name)
	}
	if !(m.ll == 0 && m.hl == 0) && (target < m.ll || target > m.hl) {
		return fmt.Errorf("motor %s: target %v outside limits [%v, %v]", m.name, target, m.ll, m.hl)
	}
	m.moving = true
	m.stop = false
	m.done = make(chan struct{})
	go m.run(target, m.done)
	return nil
}

// Wait blocks until the move in flight, if any, finishes.
func (m *Motor) Wait() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	return nil
}

// Stop halts the move in flight at the current position.
func (m *Motor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moving {
		m.stop = true
	}
}

func (m *Motor) run(target float64, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(servoPeriod)
	defer tick.Stop()
	for range tick.C {
		m.mu.Lock()
		if m.stop {
			m.stop = false
			m.moving = false
			m.mu.Unlock()
			return
		}
		step := m.velocity * servoPeriodSec
		if target < m.pos {
			step = -step
		}
		next := m.pos + step
		if (m.pos <= target && next >= target) || (m.pos >= target && next <= target) {
			m.pos = target + m.noise*randN1to1()
			m.mu.Unlock()
			break
		}
		m.pos = next
		m.mu.Unlock()
	}
	if m.settle > 0 {
		time.Sleep(m.settle)
	}
	m.mu.Lock()
	m.moving = false
	m.mu.Unlock()
}
