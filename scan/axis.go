package scan

import (
	"fmt"

	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/mathx"
)

// Axis pairs one positionable device with the ordered targets it visits
// during a sweep.  Axes are validated at construction, before anything
// moves, and are immutable afterwards.
type Axis struct {
	dev    device.Positionable
	points []float64
}

// NewAxis builds an axis visiting steps+1 equally spaced points from
// start to end inclusive.
func NewAxis(dev device.Positionable, start, end float64, steps int) (Axis, error) {
	if steps < 1 {
		return Axis{}, fmt.Errorf("axis %s: at least one step is needed to generate scan points", dev.Mnemonic())
	}
	return NewAxisPoints(dev, mathx.Linspace(start, end, steps))
}

// NewAxisPoints builds an axis visiting the given points verbatim.
func NewAxisPoints(dev device.Positionable, points []float64) (Axis, error) {
	if len(points) == 0 {
		return Axis{}, fmt.Errorf("axis %s: empty point list", dev.Mnemonic())
	}
	pts := make([]float64, len(points))
	copy(pts, points)
	ax := Axis{dev: dev, points: pts}
	if err := ax.validate(); err != nil {
		return Axis{}, err
	}
	return ax, nil
}

// validate checks the extreme targets against the device.  Devices that
// can judge a movement themselves are asked directly; otherwise the soft
// limits apply, except when both are exactly zero, which marks them
// unconfigured.
func (a Axis) validate() error {
	lo, _, hi, _ := mathx.MinMax(a.points)
	if v, ok := a.dev.(device.MovementValidator); ok {
		for _, target := range []float64{lo, hi} {
			ok, why := v.CanPerformMovement(target)
			if !ok {
				return fmt.Errorf("device %s cannot move to %v: %s", a.dev.Mnemonic(), target, why)
			}
		}
		return nil
	}
	ll, hl := a.dev.LowLimitValue(), a.dev.HighLimitValue()
	if ll == 0 && hl == 0 {
		return nil
	}
	if lo < ll {
		return fmt.Errorf("device %s: point %v exceeds the low limit %v", a.dev.Mnemonic(), lo, ll)
	}
	if hi > hl {
		return fmt.Errorf("device %s: point %v exceeds the high limit %v", a.dev.Mnemonic(), hi, hl)
	}
	return nil
}

// Device returns the positionable this axis drives.
func (a Axis) Device() device.Positionable { return a.dev }

// Len returns the number of points.
func (a Axis) Len() int { return len(a.points) }

// Points returns a copy of the target sequence.
func (a Axis) Points() []float64 {
	out := make([]float64, len(a.points))
	copy(out, a.points)
	return out
}

func (a Axis) point(i int) float64 { return a.points[i] }
