package scan_test

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/lnls-sol/goscan/counter"
	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/scan"
)

// stubCounter is a scripted Countable whose reads ramp by step per
// snapshot, so expected columns are easy to compute.
type stubCounter struct {
	stoppable  bool
	monitorOK  bool
	counting   bool
	step       float64
	reads      int
	countTimes []float64
	presets    [][2]float64
	starts     int
	stops      int
	startErr   error
	readErr    error
}

func (c *stubCounter) StartCount() error {
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.counting = true
	return nil
}

func (c *stubCounter) StopCount() error {
	c.stops++
	c.counting = false
	return nil
}

func (c *stubCounter) IsCounting() bool { return c.counting }

func (c *stubCounter) Wait() error {
	c.counting = false
	return nil
}

func (c *stubCounter) GetValue() (float64, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	v := c.step * float64(c.reads)
	c.reads++
	return v, nil
}

func (c *stubCounter) SetCountTime(t float64) error {
	c.countTimes = append(c.countTimes, t)
	return nil
}

func (c *stubCounter) SetPresetValue(channel int, v float64) error {
	c.presets = append(c.presets, [2]float64{float64(channel), v})
	return nil
}

func (c *stubCounter) CanMonitor() bool { return c.monitorOK }

func (c *stubCounter) CanStopCount() bool { return c.stoppable }

// fakeRecorder logs the engine's write protocol.
type fakeRecorder struct {
	devices, signals, comments []string
	user, command              string
	startDate, endDate         time.Time
	datasize                   int
	rows                       [][]float64
	events                     []string
	writeErr                   error
}

func (r *fakeRecorder) InsertDevice(name string) { r.devices = append(r.devices, name) }

func (r *fakeRecorder) InsertSignal(name string) { r.signals = append(r.signals, name) }

func (r *fakeRecorder) SetUsername(u string) { r.user = u }

func (r *fakeRecorder) SetCommand(c string) { r.command = c }

func (r *fakeRecorder) InsertComment(c string) { r.comments = append(r.comments, c) }

func (r *fakeRecorder) SetStartDate(t time.Time) { r.startDate = t }

func (r *fakeRecorder) SetEndDate(t time.Time) { r.endDate = t }

func (r *fakeRecorder) SetDataSize(n int) { r.datasize = n }

func (r *fakeRecorder) InsertRow(row []float64) {
	cpy := make([]float64, len(row))
	copy(cpy, row)
	r.rows = append(r.rows, cpy)
	r.events = append(r.events, "row")
}

func (r *fakeRecorder) WriteHeader() error {
	r.events = append(r.events, "header")
	return nil
}

func (r *fakeRecorder) WriteData(partial bool, idx int) error {
	if r.writeErr != nil {
		return r.writeErr
	}
	if partial {
		r.events = append(r.events, fmt.Sprintf("partial %d", idx))
	} else {
		r.events = append(r.events, "bulk")
	}
	return nil
}

func (r *fakeRecorder) Close() error {
	r.events = append(r.events, "close")
	return nil
}

type fakePlotter struct {
	cfgs   []scan.AxisConfig
	xs, ys []float64
	axes   []int
}

func (p *fakePlotter) CreateAxis(cfg scan.AxisConfig) { p.cfgs = append(p.cfgs, cfg) }

func (p *fakePlotter) Plot(x, y float64, axis int) {
	p.xs = append(p.xs, x)
	p.ys = append(p.ys, y)
	p.axes = append(p.axes, axis)
}

func (p *fakePlotter) Clear(axis int) {}

func mustAxis(t *testing.T, m *fakeMotor, start, end float64, steps int) scan.Axis {
	t.Helper()
	ax, err := scan.NewAxis(m, start, end, steps)
	if err != nil {
		t.Fatalf("NewAxis %s: %v", m.name, err)
	}
	return ax
}

func mustAxisPoints(t *testing.T, m *fakeMotor, pts []float64) scan.Axis {
	t.Helper()
	ax, err := scan.NewAxisPoints(m, pts)
	if err != nil {
		t.Fatalf("NewAxisPoints %s: %v", m.name, err)
	}
	return ax
}

func detRegistry(t *testing.T, step float64) (*counter.Registry, *stubCounter) {
	t.Helper()
	reg := counter.NewRegistry()
	det := &stubCounter{stoppable: true, step: step}
	if err := reg.Register("det", det); err != nil {
		t.Fatalf("register det: %v", err)
	}
	return reg, det
}

func wantFloats(t *testing.T, label string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d values %v, want %d %v", label, len(got), got, len(want), want)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > tol {
			t.Errorf("%s[%d] = %v, want %v", label, i, got[i], want[i])
		}
	}
}

func countEvents(events []string, prefix string) int {
	n := 0
	for _, ev := range events {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

func TestLinearScanCollectsRows(t *testing.T) {
	m := &fakeMotor{name: "m1", ll: -10, hl: 10}
	reg, det := detRegistry(t, 10)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	rec := &fakeRecorder{}
	plt := &fakePlotter{}
	var console bytes.Buffer
	e.Writer = rec
	e.Plotter = plt
	e.Printer = &console
	e.Command = "scan m1 0 1 4 1"

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := e.State(); s != scan.Idle {
		t.Errorf("state = %v, want idle", s)
	}

	tab := e.Data()
	if tab.Len() != 5 {
		t.Fatalf("got %d rows, want 5", tab.Len())
	}
	names := tab.Names()
	if want := []string{"points", "m1", "det"}; !equalStrings(names, want) {
		t.Errorf("columns = %v, want %v", names, want)
	}
	wantFloats(t, "points", tab.Column("points"), []float64{0, 1, 2, 3, 4}, 0)
	wantFloats(t, "m1", tab.Column("m1"), []float64{0, 0.25, 0.5, 0.75, 1}, 0)
	wantFloats(t, "det", tab.Column("det"), []float64{0, 10, 20, 30, 40}, 0)
	wantFloats(t, "moves", m.moves, []float64{0, 0.25, 0.5, 0.75, 1}, 0)
	if det.starts != 5 || det.stops < 5 {
		t.Errorf("counter saw %d starts and %d stops, want 5 and >=5", det.starts, det.stops)
	}

	if !equalStrings(rec.devices, []string{"m1"}) || !equalStrings(rec.signals, []string{"det"}) {
		t.Errorf("recorder columns: devices %v signals %v", rec.devices, rec.signals)
	}
	if rec.datasize != 5 {
		t.Errorf("datasize = %d, want 5", rec.datasize)
	}
	if rec.command != "scan m1 0 1 4 1" {
		t.Errorf("command = %q", rec.command)
	}
	if len(rec.rows) != 5 {
		t.Fatalf("recorder got %d rows, want 5", len(rec.rows))
	}
	wantFloats(t, "recorded row 2", rec.rows[2], []float64{0.5, 20}, 0)
	if n := len(rec.events); n < 3 || rec.events[n-3] != "header" || rec.events[n-2] != "bulk" || rec.events[n-1] != "close" {
		t.Errorf("bulk mode should end header, bulk, close: %v", rec.events)
	}
	if countEvents(rec.events, "partial") != 0 {
		t.Errorf("bulk mode wrote partial rows: %v", rec.events)
	}
	if rec.endDate.IsZero() || rec.startDate.IsZero() {
		t.Error("start or end date not recorded")
	}

	if len(plt.cfgs) != 1 {
		t.Fatalf("plotter got %d axes, want 1", len(plt.cfgs))
	}
	cfg := plt.cfgs[0]
	if cfg.XLabel != "m1" || cfg.YLabel != "det" || !cfg.Grid || cfg.LineColor != "blue" {
		t.Errorf("unexpected plot axis config: %+v", cfg)
	}
	wantFloats(t, "plot x", plt.xs, []float64{0, 0.25, 0.5, 0.75, 1}, 0)
	wantFloats(t, "plot y", plt.ys, []float64{0, 10, 20, 30, 40}, 0)

	lines := strings.Split(strings.TrimRight(console.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("console printed %d lines, want 6: %q", len(lines), console.String())
	}
	if lines[0] != "points  m1  det" {
		t.Errorf("header line = %q", lines[0])
	}
	if lines[2] != "1.0000 0.2500 10.0000" {
		t.Errorf("row line = %q", lines[2])
	}

	if _, ok := e.FitResult(); !ok {
		t.Fatal("no fit result after a completed scan")
	}
	if e.Peak() != 40 || e.PeakAt() != 1 {
		t.Errorf("peak %v at %v, want 40 at 1", e.Peak(), e.PeakAt())
	}
	if e.Min() != 0 || e.MinAt() != 0 {
		t.Errorf("min %v at %v, want 0 at 0", e.Min(), e.MinAt())
	}
	if com := e.COM(); math.Abs(com-0.75) > 1e-9 {
		t.Errorf("com = %v, want 0.75", com)
	}
	if e.Duration() < 0 {
		t.Errorf("negative duration %v", e.Duration())
	}
}

func TestPartialWriteStreamsRows(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	reg, _ := detRegistry(t, 1)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	rec := &fakeRecorder{}
	e.Writer = rec
	e.PartialWrite = true

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(rec.events) == 0 || rec.events[0] != "header" {
		t.Fatalf("partial mode must write the header first: %v", rec.events)
	}
	if got := countEvents(rec.events, "partial"); got != 5 {
		t.Errorf("got %d partial writes, want 5: %v", got, rec.events)
	}
	if countEvents(rec.events, "bulk") != 0 {
		t.Errorf("partial mode wrote in bulk: %v", rec.events)
	}
	if last := rec.events[len(rec.events)-1]; last != "close" {
		t.Errorf("recorder not closed last: %v", rec.events)
	}
	if !rec.endDate.IsZero() {
		t.Error("partial mode should not rewrite the header at the end")
	}
}

func TestLinearRejectsMismatchedAxes(t *testing.T) {
	a := &fakeMotor{name: "a"}
	b := &fakeMotor{name: "b"}
	_, err := scan.NewLinear(counter.NewRegistry(),
		mustAxis(t, a, 0, 1, 4), mustAxis(t, b, 0, 1, 2))
	if err == nil {
		t.Fatal("expected an error for mismatched point counts")
	}
	if !strings.Contains(err.Error(), "b") {
		t.Errorf("error %q does not name the offending axis", err)
	}
}

func TestMeshVisitsCartesianProduct(t *testing.T) {
	a := &fakeMotor{name: "a"}
	b := &fakeMotor{name: "b"}
	reg, _ := detRegistry(t, 1)
	e, err := scan.NewMesh(reg,
		mustAxisPoints(t, a, []float64{0, 1}),
		mustAxisPoints(t, b, []float64{0, 10, 20}))
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Data().Len() != 6 {
		t.Fatalf("got %d rows, want 6", e.Data().Len())
	}
	wantFloats(t, "a moves", a.moves, []float64{0, 0, 0, 1, 1, 1}, 0)
	wantFloats(t, "b moves", b.moves, []float64{0, 10, 20, 0, 10, 20}, 0)
	wantFloats(t, "a column", e.Data().Column("a"), []float64{0, 0, 0, 1, 1, 1}, 0)
	wantFloats(t, "b column", e.Data().Column("b"), []float64{0, 10, 20, 0, 10, 20}, 0)
}

func TestMeshOrderMatchesNestedLoops(t *testing.T) {
	pts := [][]float64{{0, 1}, {0, 1, 2}, {0, 1}}
	motors := []*fakeMotor{{name: "a"}, {name: "b"}, {name: "c"}}
	axes := make([]scan.Axis, len(motors))
	for i, m := range motors {
		axes[i] = mustAxisPoints(t, m, pts[i])
	}
	reg, _ := detRegistry(t, 1)
	e, err := scan.NewMesh(reg, axes...)
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wantA, wantB, wantC []float64
	for _, va := range pts[0] {
		for _, vb := range pts[1] {
			for _, vc := range pts[2] {
				wantA = append(wantA, va)
				wantB = append(wantB, vb)
				wantC = append(wantC, vc)
			}
		}
	}
	wantFloats(t, "a", motors[0].moves, wantA, 0)
	wantFloats(t, "b", motors[1].moves, wantB, 0)
	wantFloats(t, "c", motors[2].moves, wantC, 0)
	if e.Data().Len() != len(wantA) {
		t.Errorf("got %d rows, want %d", e.Data().Len(), len(wantA))
	}
}

func TestInterruptFlushesCollectedRows(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	reg, _ := detRegistry(t, 10)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	rec := &fakeRecorder{}
	e.Writer = rec
	e.Callbacks.PostPoint = func(e *scan.Engine, pos []float64, idx []int) {
		if e.Data().Len() == 2 {
			e.Interrupt()
		}
	}

	if err := e.Start(); err != nil {
		t.Fatalf("an interruption is not an error, got %v", err)
	}
	if s := e.State(); s != scan.Interrupted {
		t.Errorf("state = %v, want interrupted", s)
	}
	if e.Data().Len() != 2 {
		t.Errorf("got %d rows, want exactly the 2 collected", e.Data().Len())
	}
	if len(rec.rows) != 2 {
		t.Errorf("recorder got %d rows, want 2", len(rec.rows))
	}
	if countEvents(rec.events, "bulk") != 1 {
		t.Errorf("interrupted scan did not flush: %v", rec.events)
	}
	if rec.events[len(rec.events)-1] != "close" {
		t.Errorf("recorder not closed: %v", rec.events)
	}
}

func TestPauseAndResume(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	reg, _ := detRegistry(t, 1)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	done := make(chan struct{})
	e.Callbacks.PostPoint = func(e *scan.Engine, pos []float64, idx []int) {
		if e.Data().Len() != 1 {
			return
		}
		e.Pause()
		go func() {
			defer close(done)
			deadline := time.Now().Add(5 * time.Second)
			for e.State() != scan.Paused {
				if time.Now().After(deadline) {
					t.Error("engine never paused")
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
			if err := e.Resume(); err != nil {
				t.Errorf("Resume: %v", err)
			}
		}()
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-done
	if e.Data().Len() != 5 {
		t.Errorf("got %d rows, want 5 after resuming", e.Data().Len())
	}
	if s := e.State(); s != scan.Idle {
		t.Errorf("state = %v, want idle", s)
	}
}

func TestResumeRequiresPause(t *testing.T) {
	e := scan.NewTimeSeries(counter.NewRegistry(), 0)
	if err := e.Resume(); !errors.Is(err, scan.ErrNotPaused) {
		t.Errorf("Resume = %v, want ErrNotPaused", err)
	}
}

func TestDeviceErrorEndsInError(t *testing.T) {
	fault := errors.New("amplifier fault")
	m := &fakeMotor{name: "m1", setErrAt: 3, setErr: fault}
	reg, _ := detRegistry(t, 1)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	rec := &fakeRecorder{}
	e.Writer = rec

	err = e.Start()
	if !errors.Is(err, fault) {
		t.Fatalf("Start = %v, want the device fault", err)
	}
	if !strings.Contains(err.Error(), "m1") {
		t.Errorf("error %q does not name the device", err)
	}
	if s := e.State(); s != scan.Error {
		t.Errorf("state = %v, want error", s)
	}
	if e.Data().Len() != 2 {
		t.Errorf("got %d rows, want the 2 completed points", e.Data().Len())
	}
	want := []string{"row", "row", "close"}
	if !equalStrings(rec.events, want) {
		t.Errorf("events = %v, want %v (no flush on device failure)", rec.events, want)
	}
}

func TestMonitorModeArmsPreset(t *testing.T) {
	reg := counter.NewRegistry()
	mon := &stubCounter{stoppable: true, monitorOK: true, step: 1}
	det := &stubCounter{stoppable: true, step: 2}
	if err := reg.RegisterEntry("mon", counter.Entry{Device: mon, Monitor: true, Channel: 2}); err != nil {
		t.Fatalf("register mon: %v", err)
	}
	if err := reg.Register("det", det); err != nil {
		t.Fatalf("register det: %v", err)
	}
	e := scan.NewTimeSeries(reg, 0)
	e.CountTime = scan.Every(-5000)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(mon.presets) != 1 || mon.presets[0] != [2]float64{2, 5000} {
		t.Errorf("monitor presets = %v, want [[2 5000]]", mon.presets)
	}
	if len(mon.countTimes) != 0 {
		t.Errorf("monitor count times = %v, want none", mon.countTimes)
	}
	if len(det.countTimes) != 1 || det.countTimes[0] != device.InfiniteCountTime {
		t.Errorf("detector count times = %v, want the infinite preset", det.countTimes)
	}
	if len(det.presets) != 0 {
		t.Errorf("detector presets = %v, want none", det.presets)
	}
	if names := e.Data().Names(); !equalStrings(names, []string{"points", "mon", "det"}) {
		t.Errorf("columns = %v", names)
	}
}

func TestTimeSeriesRepeatCount(t *testing.T) {
	reg, _ := detRegistry(t, 10)
	e := scan.NewTimeSeries(reg, 2)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Data().Len() != 3 {
		t.Fatalf("got %d rows, want repeat+1 = 3", e.Data().Len())
	}
	wantFloats(t, "points", e.Data().Column("points"), []float64{0, 1, 2}, 0)
	if e.XField != "points" || e.YField != "det" {
		t.Errorf("fields default to %q/%q, want points/det", e.XField, e.YField)
	}
}

func TestTimeSeriesUnboundedInterrupts(t *testing.T) {
	reg, _ := detRegistry(t, 1)
	e := scan.NewTimeSeries(reg, -1)
	e.Callbacks.PrePoint = func(e *scan.Engine, pos []float64, idx []int) {
		if e.Data().Len() == 3 {
			e.Interrupt()
		}
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Data().Len() != 3 {
		t.Errorf("got %d rows, want 3", e.Data().Len())
	}
	if s := e.State(); s != scan.Interrupted {
		t.Errorf("state = %v, want interrupted", s)
	}
}

func TestTimeSeriesRejectsPerPointSchedule(t *testing.T) {
	reg, det := detRegistry(t, 1)
	e := scan.NewTimeSeries(reg, -1)
	e.CountTime = scan.PerPoint([]float64{1, 2})
	if err := e.Start(); err == nil {
		t.Fatal("expected a config error for per-point times on an open-ended series")
	}
	if s := e.State(); s != scan.Idle {
		t.Errorf("state = %v, want idle after a config error", s)
	}
	if det.starts != 0 {
		t.Errorf("counter started %d times before the config error", det.starts)
	}
}

func TestPerPointScheduleTooShort(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	reg, _ := detRegistry(t, 1)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	e.CountTime = scan.PerPoint([]float64{1, 2, 3})
	if err := e.Start(); err == nil {
		t.Fatal("expected a config error for a short schedule")
	} else if !strings.Contains(err.Error(), "3 values") {
		t.Errorf("unhelpful error: %v", err)
	}
	if s := e.State(); s != scan.Idle {
		t.Errorf("state = %v, want idle", s)
	}
	if len(m.moves) != 0 {
		t.Errorf("config error still moved the motor: %v", m.moves)
	}
}

func TestPerPointCountTimes(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	reg, det := detRegistry(t, 1)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	e.CountTime = scan.PerPoint([]float64{1, 2, 3, 4, 5})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	wantFloats(t, "count times", det.countTimes, []float64{1, 2, 3, 4, 5}, 0)
}

func TestStartTwiceFails(t *testing.T) {
	reg, _ := detRegistry(t, 1)
	e := scan.NewTimeSeries(reg, 0)
	if err := e.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := e.Start(); !errors.Is(err, scan.ErrAlreadyRan) {
		t.Errorf("second Start = %v, want ErrAlreadyRan", err)
	}
}

func TestCallbackOrder(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	reg, _ := detRegistry(t, 1)
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 1))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	var order []string
	var opPos []float64
	e.Callbacks = scan.Callbacks{
		PreScan:  func(*scan.Engine) { order = append(order, "prescan") },
		PrePoint: func(*scan.Engine, []float64, []int) { order = append(order, "prepoint") },
		PreOperation: func(e *scan.Engine, pos []float64, idx []int) {
			order = append(order, "preop")
		},
		Operation: func(e *scan.Engine, pos []float64, idx []int) {
			order = append(order, "op")
			opPos = append(opPos, pos[0])
		},
		PostOperation: func(*scan.Engine, []float64, []int) { order = append(order, "postop") },
		PostPoint:     func(*scan.Engine, []float64, []int) { order = append(order, "postpoint") },
		PostScan:      func(*scan.Engine) { order = append(order, "postscan") },
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []string{
		"prescan",
		"prepoint", "preop", "op", "postop", "postpoint",
		"prepoint", "preop", "op", "postop", "postpoint",
		"postscan",
	}
	if !equalStrings(order, want) {
		t.Errorf("callback order = %v, want %v", order, want)
	}
	wantFloats(t, "operation positions", opPos, []float64{0, 1}, 0)
}

func TestFieldDefaultsSkipDisabledCounters(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	reg := counter.NewRegistry()
	det1 := &stubCounter{stoppable: true, step: 1}
	det2 := &stubCounter{stoppable: true, step: 2}
	if err := reg.Register("det1", det1); err != nil {
		t.Fatalf("register det1: %v", err)
	}
	if err := reg.Register("det2", det2); err != nil {
		t.Fatalf("register det2: %v", err)
	}
	if err := reg.Disable("det1"); err != nil {
		t.Fatalf("disable det1: %v", err)
	}
	e, err := scan.NewLinear(reg, mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.XField != "m1" || e.YField != "det2" {
		t.Errorf("fields %q/%q, want m1/det2", e.XField, e.YField)
	}
	if names := e.Data().Names(); !equalStrings(names, []string{"points", "m1", "det2"}) {
		t.Errorf("columns = %v, disabled counters must not appear", names)
	}
	if det1.starts != 0 || det1.reads != 0 {
		t.Errorf("disabled counter was used: %d starts, %d reads", det1.starts, det1.reads)
	}
	if det1.stops != 5 {
		t.Errorf("disabled counter stopped %d times, want 5 (cleanup hits everything)", det1.stops)
	}
}

func TestScalarDelayApplies(t *testing.T) {
	reg, _ := detRegistry(t, 1)
	e := scan.NewTimeSeries(reg, 2)
	e.Delay = scan.Every(0.02)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d := e.Duration(); d < 50*time.Millisecond {
		t.Errorf("3 points with a 20ms delay ran in %v", d)
	}
}

func TestScanWithoutCounters(t *testing.T) {
	m := &fakeMotor{name: "m1"}
	e, err := scan.NewLinear(counter.NewRegistry(), mustAxis(t, m, 0, 1, 4))
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Data().Len() != 5 {
		t.Fatalf("got %d rows, want 5", e.Data().Len())
	}
	if names := e.Data().Names(); !equalStrings(names, []string{"points", "m1"}) {
		t.Errorf("columns = %v", names)
	}
	if e.YField != "m1" {
		t.Errorf("YField = %q, want the x field when no counters exist", e.YField)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
