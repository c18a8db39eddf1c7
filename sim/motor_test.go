package sim_test

import (
	"strings"
	"testing"
	"time"

	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/sim"
)

var _ device.Positionable = (*sim.Motor)(nil)

func TestMotorReachesTarget(t *testing.T) {
	m := sim.NewMotor("m1")
	if err := m.SetVelocity(1000); err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(5); err != nil {
		t.Fatal(err)
	}
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
	got, err := m.GetValue()
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("position = %v, want 5", got)
	}
	if m.Mnemonic() != "m1" {
		t.Errorf("mnemonic = %q", m.Mnemonic())
	}
	if m.IsMoving() {
		t.Error("still moving after Wait")
	}
}

func TestMotorMovesGradually(t *testing.T) {
	m := sim.NewMotor("m1")
	if err := m.SetVelocity(10); err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(1); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	var sawMidFlight bool
	for time.Now().Before(deadline) {
		v, _ := m.GetValue()
		if v > 0 && v < 1 {
			sawMidFlight = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !sawMidFlight {
		t.Error("never observed an intermediate position")
	}
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.GetValue(); v != 1 {
		t.Errorf("position = %v, want 1", v)
	}
}

func TestMotorRejectsDoubleMove(t *testing.T) {
	m := sim.NewMotor("m1")
	if err := m.SetVelocity(5); err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(1); err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(2); err == nil {
		t.Error("second move accepted while the first is in flight")
	}
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(1); err != nil {
		t.Errorf("move rejected after settling: %v", err)
	}
	m.Wait()
}

func TestMotorStopHaltsMidFlight(t *testing.T) {
	m := sim.NewMotor("m1")
	if err := m.SetVelocity(5); err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(1); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := m.GetValue(); v > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
	v, _ := m.GetValue()
	if v <= 0 || v >= 1 {
		t.Errorf("stopped at %v, want strictly between 0 and 1", v)
	}
	if m.IsMoving() {
		t.Error("still moving after Stop and Wait")
	}
}

func TestMotorSettleDelaysCompletion(t *testing.T) {
	m := sim.NewMotor("m1")
	if err := m.SetVelocity(1e6); err != nil {
		t.Fatal(err)
	}
	m.SetSettle(50 * time.Millisecond)
	start := time.Now()
	if err := m.SetValue(1); err != nil {
		t.Fatal(err)
	}
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("move finished in %v, settle is 50ms", elapsed)
	}
}

func TestMotorLimits(t *testing.T) {
	m := sim.NewMotor("m1")
	m.SetLimits(-1, 1)
	err := m.SetValue(5)
	if err == nil {
		t.Fatal("target outside limits accepted")
	}
	if !strings.Contains(err.Error(), "limits") {
		t.Errorf("error %q does not mention limits", err)
	}
	if m.LowLimitValue() != -1 || m.HighLimitValue() != 1 {
		t.Errorf("limits = [%v, %v], want [-1, 1]", m.LowLimitValue(), m.HighLimitValue())
	}

	free := sim.NewMotor("m2")
	if err := free.SetVelocity(1e6); err != nil {
		t.Fatal(err)
	}
	if err := free.SetValue(1000); err != nil {
		t.Errorf("unconfigured limits rejected a move: %v", err)
	}
	free.Wait()
}

func TestMotorVelocityValidation(t *testing.T) {
	m := sim.NewMotor("m1")
	if err := m.SetVelocity(0); err == nil {
		t.Error("zero velocity accepted")
	}
	if err := m.SetVelocity(-5); err == nil {
		t.Error("negative velocity accepted")
	}
}
