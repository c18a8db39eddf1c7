/*
Package pseudo builds composite positionables whose position is a pure
function of other devices.

A Motor owns an ordered list of dependencies and two kinds of closures:
a Back closure that derives the composite readback from a snapshot of
dependency positions, and one Forward closure per dependency that derives
that dependency's target from the composite target.  Closures only ever
see an explicit snapshot, never live devices, so evaluation has no side
effects and a failed move plan leaves every dependency untouched.

Formulas (see CompileFormula) turn ECMAScript expressions into such
closures for configuration files and the interactive console; code that
constructs composites directly should pass plain Go closures.
*/
package pseudo

import (
	"fmt"

	"github.com/lnls-sol/goscan/device"
)

// Position is a snapshot of positions keyed by device mnemonic.
type Position map[string]float64

// Back derives the composite readback from a snapshot of dependency
// positions.
type Back func(pos Position) (float64, error)

// Forward derives one dependency's target from the composite target.  The
// snapshot holds the targets already assigned to earlier dependencies, the
// pre-move positions of the remaining ones, and the composite target under
// the composite's own mnemonic.
type Forward func(target float64, pos Position) (float64, error)

// Dependency couples an underlying device with the forward closure that
// computes its target.
type Dependency struct {
	Dev     device.Positionable
	Forward Forward
}

// Motor is a virtual positionable over one or more real devices.  Moving
// it plans a target for every dependency, validates all of them, and only
// then commands the motion.  It implements device.MovementValidator, so
// sweep validation defers to the dependencies' own limits.
type Motor struct {
	name string
	back Back
	deps []Dependency
}

// NewMotor builds a composite named name.  Dependencies are planned and
// commanded in the order given.
func NewMotor(name string, back Back, deps ...Dependency) (*Motor, error) {
	if name == "" {
		return nil, fmt.Errorf("pseudo motor needs a mnemonic")
	}
	if back == nil {
		return nil, fmt.Errorf("pseudo motor %s: nil back closure", name)
	}
	if len(deps) == 0 {
		return nil, fmt.Errorf("pseudo motor %s: at least one dependency is needed", name)
	}
	seen := map[string]bool{name: true}
	for _, d := range deps {
		if d.Dev == nil {
			return nil, fmt.Errorf("pseudo motor %s: nil dependency device", name)
		}
		if d.Forward == nil {
			return nil, fmt.Errorf("pseudo motor %s: dependency %s has no forward closure", name, d.Dev.Mnemonic())
		}
		if seen[d.Dev.Mnemonic()] {
			return nil, fmt.Errorf("pseudo motor %s: duplicate mnemonic %s", name, d.Dev.Mnemonic())
		}
		seen[d.Dev.Mnemonic()] = true
	}
	m := &Motor{name: name, back: back, deps: make([]Dependency, len(deps))}
	copy(m.deps, deps)
	return m, nil
}

// Mnemonic returns the composite's name.
func (m *Motor) Mnemonic() string { return m.name }

// GetValue derives the composite position from the current dependency
// positions.
func (m *Motor) GetValue() (float64, error) {
	pos, err := m.snapshot()
	if err != nil {
		return 0, err
	}
	return m.back(pos)
}

// SetValue plans and validates a target for every dependency, then
// commands all of them.  No dependency moves if any target is invalid.
func (m *Motor) SetValue(target float64) error {
	targets, err := m.plan(target)
	if err != nil {
		return fmt.Errorf("motor %s cannot move to %v: %w", m.name, target, err)
	}
	for i, d := range m.deps {
		if err := d.Dev.SetValue(targets[i]); err != nil {
			return fmt.Errorf("moving %s: %w", d.Dev.Mnemonic(), err)
		}
	}
	return nil
}

// Wait blocks until every dependency has settled.
func (m *Motor) Wait() error {
	for _, d := range m.deps {
		if err := d.Dev.Wait(); err != nil {
			return fmt.Errorf("waiting for %s: %w", d.Dev.Mnemonic(), err)
		}
	}
	return nil
}

// LowLimitValue returns zero: composite limits are not an interval.
// Validation goes through CanPerformMovement instead.
func (m *Motor) LowLimitValue() float64 { return 0 }

// HighLimitValue returns zero, see LowLimitValue.
func (m *Motor) HighLimitValue() float64 { return 0 }

// CanPerformMovement reports whether every dependency accepts the targets
// a move to target would assign.
func (m *Motor) CanPerformMovement(target float64) (bool, string) {
	if _, err := m.plan(target); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// snapshot reads every dependency position once.
func (m *Motor) snapshot() (Position, error) {
	pos := make(Position, len(m.deps))
	for _, d := range m.deps {
		v, err := d.Dev.GetValue()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", d.Dev.Mnemonic(), err)
		}
		pos[d.Dev.Mnemonic()] = v
	}
	return pos, nil
}

// plan computes and validates the dependency targets for a move.  Targets
// are assigned in dependency order and become visible to later forward
// closures through the snapshot.
func (m *Motor) plan(target float64) ([]float64, error) {
	view, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	view[m.name] = target
	targets := make([]float64, len(m.deps))
	for i, d := range m.deps {
		t, err := d.Forward(target, view)
		if err != nil {
			return nil, fmt.Errorf("deriving the %s target: %w", d.Dev.Mnemonic(), err)
		}
		if ok, why := depCanMove(d.Dev, t); !ok {
			return nil, fmt.Errorf("%s", why)
		}
		targets[i] = t
		view[d.Dev.Mnemonic()] = t
	}
	return targets, nil
}

// depCanMove applies the same limit semantics sweep validation uses: ask
// the device when it can judge the movement itself, otherwise check soft
// limits unless both are exactly zero.
func depCanMove(dev device.Positionable, target float64) (bool, string) {
	if v, ok := dev.(device.MovementValidator); ok {
		ok, why := v.CanPerformMovement(target)
		if !ok {
			return false, fmt.Sprintf("dependency %s cannot move to %v: %s", dev.Mnemonic(), target, why)
		}
		return true, ""
	}
	ll, hl := dev.LowLimitValue(), dev.HighLimitValue()
	if ll == 0 && hl == 0 {
		return true, ""
	}
	if target < ll {
		return false, fmt.Sprintf("dependency %s: target %v exceeds the low limit %v", dev.Mnemonic(), target, ll)
	}
	if target > hl {
		return false, fmt.Sprintf("dependency %s: target %v exceeds the high limit %v", dev.Mnemonic(), target, hl)
	}
	return true, ""
}
