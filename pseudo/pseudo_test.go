package pseudo_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/pseudo"
)

var (
	_ device.Positionable      = (*pseudo.Motor)(nil)
	_ device.MovementValidator = (*pseudo.Motor)(nil)
)

type fakeMotor struct {
	name    string
	pos     float64
	ll, hl  float64
	targets []float64
	setErr  error
	waitErr error
	readErr error
	waits   int
}

func (m *fakeMotor) Mnemonic() string { return m.name }

func (m *fakeMotor) GetValue() (float64, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.pos, nil
}

func (m *fakeMotor) SetValue(target float64) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.targets = append(m.targets, target)
	m.pos = target
	return nil
}

func (m *fakeMotor) Wait() error { m.waits++; return m.waitErr }

func (m *fakeMotor) LowLimitValue() float64 { return m.ll }

func (m *fakeMotor) HighLimitValue() float64 { return m.hl }

type gatedMotor struct {
	fakeMotor
	min, max float64
}

func (g *gatedMotor) CanPerformMovement(target float64) (bool, string) {
	if target < g.min || target > g.max {
		return false, "target is outside the physical range"
	}
	return true, ""
}

func passThrough(target float64, pos pseudo.Position) (float64, error) { return target, nil }

func errContains(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error mentioning %q, got nil", want)
	}
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not mention %q", err, want)
	}
}

func TestMotorReadback(t *testing.T) {
	a := &fakeMotor{name: "m1", pos: 2}
	b := &fakeMotor{name: "m2", pos: 4}
	avg := func(pos pseudo.Position) (float64, error) { return (pos["m1"] + pos["m2"]) / 2, nil }
	m, err := pseudo.NewMotor("center", avg,
		pseudo.Dependency{Dev: a, Forward: passThrough},
		pseudo.Dependency{Dev: b, Forward: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.GetValue()
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("readback = %v, want 3", got)
	}
	if m.Mnemonic() != "center" {
		t.Errorf("mnemonic = %q", m.Mnemonic())
	}
}

func TestMotorMoveDerivesTargets(t *testing.T) {
	a := &fakeMotor{name: "m1"}
	b := &fakeMotor{name: "m2"}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: a, Forward: func(target float64, pos pseudo.Position) (float64, error) { return target + 1, nil }},
		pseudo.Dependency{Dev: b, Forward: func(target float64, pos pseudo.Position) (float64, error) { return target * 2, nil }},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(3); err != nil {
		t.Fatal(err)
	}
	if len(a.targets) != 1 || a.targets[0] != 4 {
		t.Errorf("m1 targets = %v, want [4]", a.targets)
	}
	if len(b.targets) != 1 || b.targets[0] != 6 {
		t.Errorf("m2 targets = %v, want [6]", b.targets)
	}
	if err := m.Wait(); err != nil {
		t.Fatal(err)
	}
	if a.waits != 1 || b.waits != 1 {
		t.Errorf("waits = %d, %d, want 1, 1", a.waits, b.waits)
	}
}

func TestMotorPlanSeesEarlierTargets(t *testing.T) {
	a := &fakeMotor{name: "m1", pos: 100}
	b := &fakeMotor{name: "m2", pos: 200}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: a, Forward: passThrough},
		pseudo.Dependency{Dev: b, Forward: func(target float64, pos pseudo.Position) (float64, error) { return pos["m1"] + 1, nil }},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(5); err != nil {
		t.Fatal(err)
	}
	if len(b.targets) != 1 || b.targets[0] != 6 {
		t.Errorf("m2 targets = %v, want [6]: the plan must expose the m1 target, not its old position", b.targets)
	}
}

func TestMotorValidatesBeforeCommanding(t *testing.T) {
	a := &fakeMotor{name: "m1", ll: -10, hl: 10}
	b := &fakeMotor{name: "m2", ll: -1, hl: 1}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: a, Forward: passThrough},
		pseudo.Dependency{Dev: b, Forward: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}
	err = m.SetValue(5)
	errContains(t, err, "m2")
	errContains(t, err, "high limit")
	if len(a.targets) != 0 {
		t.Errorf("m1 was commanded to %v before validation finished", a.targets)
	}
	if len(b.targets) != 0 {
		t.Errorf("m2 was commanded to %v despite failing validation", b.targets)
	}
}

func TestMotorUnconfiguredLimitsAccept(t *testing.T) {
	a := &fakeMotor{name: "m1"}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: a, Forward: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetValue(1e6); err != nil {
		t.Errorf("zero limits should skip the check, got %v", err)
	}
}

func TestMotorPrefersDependencyValidator(t *testing.T) {
	g := &gatedMotor{fakeMotor: fakeMotor{name: "m1", ll: -100, hl: 100}, min: -1, max: 1}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: g, Forward: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}
	err = m.SetValue(50)
	errContains(t, err, "target is outside the physical range")
}

func TestMotorCanPerformMovement(t *testing.T) {
	a := &fakeMotor{name: "m1", ll: -1, hl: 1}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: a, Forward: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}
	if ok, why := m.CanPerformMovement(0.5); !ok {
		t.Errorf("0.5 rejected: %s", why)
	}
	ok, why := m.CanPerformMovement(2)
	if ok {
		t.Fatal("2 accepted despite the m1 limit")
	}
	if !strings.Contains(why, "m1") {
		t.Errorf("reason %q does not name the dependency", why)
	}
	if len(a.targets) != 0 {
		t.Errorf("validation moved the dependency: %v", a.targets)
	}
}

func TestMotorConstructorRejects(t *testing.T) {
	a := &fakeMotor{name: "m1"}
	back := func(pos pseudo.Position) (float64, error) { return 0, nil }
	cases := []struct {
		label string
		name  string
		back  pseudo.Back
		deps  []pseudo.Dependency
	}{
		{"empty name", "", back, []pseudo.Dependency{{Dev: a, Forward: passThrough}}},
		{"nil back", "virt", nil, []pseudo.Dependency{{Dev: a, Forward: passThrough}}},
		{"no deps", "virt", back, nil},
		{"nil device", "virt", back, []pseudo.Dependency{{Forward: passThrough}}},
		{"nil forward", "virt", back, []pseudo.Dependency{{Dev: a}}},
		{"duplicate dep", "virt", back, []pseudo.Dependency{{Dev: a, Forward: passThrough}, {Dev: &fakeMotor{name: "m1"}, Forward: passThrough}}},
		{"dep shadows composite", "m1", back, []pseudo.Dependency{{Dev: a, Forward: passThrough}}},
	}
	for _, tc := range cases {
		if _, err := pseudo.NewMotor(tc.name, tc.back, tc.deps...); err == nil {
			t.Errorf("%s: constructor accepted", tc.label)
		}
	}
}

func TestMotorDependencyErrorsPropagate(t *testing.T) {
	boom := errors.New("controller fault")
	a := &fakeMotor{name: "m1", readErr: boom}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: a, Forward: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.GetValue()
	errContains(t, err, "m1")
	if !errors.Is(err, boom) {
		t.Errorf("read error not wrapped: %v", err)
	}

	a.readErr = nil
	a.waitErr = boom
	if err := m.SetValue(1); err != nil {
		t.Fatal(err)
	}
	if err := m.Wait(); !errors.Is(err, boom) {
		t.Errorf("wait error not wrapped: %v", err)
	}
}

func TestMotorLimitsReportUnconfigured(t *testing.T) {
	a := &fakeMotor{name: "m1", ll: -5, hl: 5}
	m, err := pseudo.NewMotor("virt",
		func(pos pseudo.Position) (float64, error) { return pos["m1"], nil },
		pseudo.Dependency{Dev: a, Forward: passThrough},
	)
	if err != nil {
		t.Fatal(err)
	}
	if m.LowLimitValue() != 0 || m.HighLimitValue() != 0 {
		t.Errorf("composite limits = [%v, %v], want both zero", m.LowLimitValue(), m.HighLimitValue())
	}
}

func TestFormulaEval(t *testing.T) {
	f, err := pseudo.CompileFormula("hyp", "Math.sqrt(x*x + y*y)")
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Eval(map[string]float64{"x": 3, "y": 4})
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("eval = %v, want 5", got)
	}
}

func TestFormulaCompileError(t *testing.T) {
	if _, err := pseudo.CompileFormula("bad", "2 +"); err == nil {
		t.Fatal("incomplete expression compiled")
	}
	if _, err := pseudo.BackFormula("bad", "2 +"); err == nil {
		t.Fatal("BackFormula accepted an incomplete expression")
	}
	if _, err := pseudo.ForwardFormula("bad", "2 +"); err == nil {
		t.Fatal("ForwardFormula accepted an incomplete expression")
	}
}

func TestFormulaRejectsNonNumericResult(t *testing.T) {
	f, err := pseudo.CompileFormula("str", "'abc'")
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Eval(nil)
	errContains(t, err, "want a number")
}

func TestFormulaEvalErrorNamesFormula(t *testing.T) {
	f, err := pseudo.CompileFormula("broken", "missing.field")
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Eval(nil)
	errContains(t, err, "broken")
}

func TestSlitGapComposite(t *testing.T) {
	top := &fakeMotor{name: "top", ll: -3, hl: 3}
	bottom := &fakeMotor{name: "bottom", ll: -3, hl: 3}
	back, err := pseudo.BackFormula("gap", "top - bottom")
	if err != nil {
		t.Fatal(err)
	}
	fwdTop, err := pseudo.ForwardFormula("top", "target/2")
	if err != nil {
		t.Fatal(err)
	}
	fwdBottom, err := pseudo.ForwardFormula("bottom", "-gap/2")
	if err != nil {
		t.Fatal(err)
	}
	gap, err := pseudo.NewMotor("gap", back,
		pseudo.Dependency{Dev: top, Forward: fwdTop},
		pseudo.Dependency{Dev: bottom, Forward: fwdBottom},
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := gap.SetValue(4); err != nil {
		t.Fatal(err)
	}
	if top.pos != 2 || bottom.pos != -2 {
		t.Errorf("blades at %v, %v, want 2, -2", top.pos, bottom.pos)
	}
	got, err := gap.GetValue()
	if err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Errorf("gap readback = %v, want 4", got)
	}

	err = gap.SetValue(8)
	errContains(t, err, "high limit")
	if top.pos != 2 || bottom.pos != -2 {
		t.Errorf("failed move shifted the blades to %v, %v", top.pos, bottom.pos)
	}
}
