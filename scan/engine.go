// Package scan implements the sweep engine: it drives positioners through
// their target points, gates counters at each point through the registry,
// and streams rows to a recorder, a plotter and a console printer.
//
// An Engine is configured, run once with Start, and then discarded; build
// a fresh one for the next scan.  Start blocks for the duration of the
// sweep.  Pause, Resume and Interrupt may be called from other goroutines
// and take effect at the next point boundary.
package scan

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lnls-sol/goscan/counter"
	"github.com/lnls-sol/goscan/fit"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of an Engine.
type State int

// States an engine moves through.  Error and Interrupted are terminal;
// Idle is both the initial state and the terminal state of a scan that
// ran to completion.
const (
	Idle State = iota
	Running
	Paused
	Interrupted
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Interrupted:
		return "interrupted"
	case Error:
		return "error"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// ErrNotPaused is returned by Resume when there is no pause to release.
var ErrNotPaused = errors.New("cannot resume, scan is not paused")

// ErrAlreadyRan is returned by Start on an engine that has already run.
var ErrAlreadyRan = errors.New("engine already ran, build a new one for the next scan")

// errInterrupted unwinds the point loop; it never escapes Start.
var errInterrupted = errors.New("scan interrupted")

// pausePoll is how often a paused engine rechecks its flags.
const pausePoll = 100 * time.Millisecond

// Schedule is a per-point policy for count times and delays: either a
// scalar applied to every point, or one value per point indexed by the
// global point number.
type Schedule struct {
	value  float64
	values []float64
}

// Every applies v to every point.
func Every(v float64) Schedule { return Schedule{value: v} }

// PerPoint applies values[i] to point i.  The array must cover the whole
// sweep; Start fails otherwise.
func PerPoint(values []float64) Schedule {
	vs := make([]float64, len(values))
	copy(vs, values)
	return Schedule{values: vs}
}

func (s Schedule) at(i int) float64 {
	if s.values != nil {
		return s.values[i]
	}
	return s.value
}

// check validates the schedule against a sweep of total points, total
// being -1 for an open-ended time series.
func (s Schedule) check(total int, what string) error {
	if s.values == nil {
		return nil
	}
	if total < 0 {
		return fmt.Errorf("%s: per-point values cannot cover an open-ended time series", what)
	}
	if len(s.values) < total {
		return fmt.Errorf("%s: %d values for a sweep of %d points", what, len(s.values), total)
	}
	return nil
}

// Callbacks are optional hooks around the point loop.  pos and idx are
// the positions read back at the most recent completed movement and the
// per-axis point indices; PrePoint still sees the previous point's
// vectors (nil at the first point).  Hooks run on the scanning goroutine,
// so a slow hook slows the scan.  A hook that needs to abort calls
// Interrupt on the engine.
type Callbacks struct {
	PreScan       func(e *Engine)
	PrePoint      func(e *Engine, pos []float64, idx []int)
	PreOperation  func(e *Engine, pos []float64, idx []int)
	Operation     func(e *Engine, pos []float64, idx []int)
	PostOperation func(e *Engine, pos []float64, idx []int)
	PostPoint     func(e *Engine, pos []float64, idx []int)
	PostScan      func(e *Engine)
}

type sweepKind int

const (
	sweepLinear sweepKind = iota
	sweepMesh
	sweepTime
)

// Engine coordinates one scan.  The exported fields configure it and must
// not be modified after Start.
type Engine struct {
	// CountTime is the acquisition window per point, in seconds.  A
	// negative value -N engages monitor mode: the registry's monitor
	// counts to N and gates everything else.
	CountTime Schedule

	// Delay is slept before each point's movement, in seconds.
	Delay Schedule

	// Writer receives rows and header metadata.  nil disables recording.
	Writer Recorder

	// PartialWrite makes the Writer write the header up front and each
	// row as it completes, instead of one bulk write at the end.
	PartialWrite bool

	// Plotter receives one (x, y) point per row.  nil disables plotting.
	Plotter Plotter

	// PlotAxis selects the plotter curve, default 1.
	PlotAxis int

	// XField and YField name the columns plotted and fitted.  They
	// default to the first axis mnemonic (or "points" for a time
	// series) and the first enabled counter.
	XField string
	YField string

	// Command and Comment are recorded in the output header.
	Command string
	Comment string

	// User is recorded in the output header, defaulting to the
	// current OS user.
	User string

	// FitEnabled runs the end-of-scan fit of YField against XField.
	FitEnabled bool

	// Printer receives the column header and one formatted row per
	// point.  nil disables printing.
	Printer io.Writer

	// Log receives lifecycle messages, default logrus standard logger.
	Log logrus.FieldLogger

	Callbacks Callbacks

	kind   sweepKind
	axes   []Axis
	reg    *counter.Registry
	repeat int

	mu        sync.Mutex
	state     State
	pause     bool
	interrupt bool

	counters []string
	table    *Table
	start    time.Time
	end      time.Time
	fit      fit.Result
	fitDone  bool
}

// NewLinear builds a joint sweep: every axis steps through its own point
// list in lockstep, so all point counts must match.
func NewLinear(reg *counter.Registry, axes ...Axis) (*Engine, error) {
	if len(axes) == 0 {
		return nil, errors.New("a joint sweep needs at least one axis")
	}
	n := axes[0].Len()
	for _, ax := range axes[1:] {
		if ax.Len() != n {
			return nil, fmt.Errorf("axis %s has %d points, want %d: joint sweeps step all axes together",
				ax.Device().Mnemonic(), ax.Len(), n)
		}
	}
	return newEngine(sweepLinear, reg, axes, -1), nil
}

// NewMesh builds a sweep over the Cartesian product of the axes' point
// lists.  The last axis varies fastest.
func NewMesh(reg *counter.Registry, axes ...Axis) (*Engine, error) {
	if len(axes) == 0 {
		return nil, errors.New("a mesh needs at least one axis")
	}
	return newEngine(sweepMesh, reg, axes, -1), nil
}

// NewTimeSeries builds a counting loop with no axes.  repeat is the last
// point index to run, so repeat+1 points total; -1 runs until interrupted.
func NewTimeSeries(reg *counter.Registry, repeat int) *Engine {
	return newEngine(sweepTime, reg, nil, repeat)
}

func newEngine(kind sweepKind, reg *counter.Registry, axes []Axis, repeat int) *Engine {
	if reg == nil {
		reg = counter.NewRegistry()
	}
	return &Engine{
		CountTime:  Every(1),
		PlotAxis:   1,
		FitEnabled: true,
		kind:       kind,
		axes:       axes,
		reg:        reg,
		repeat:     repeat,
		state:      Idle,
	}
}

// Registry returns the counter registry this engine counts with.
func (e *Engine) Registry() *counter.Registry { return e.reg }

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Pause requests a pause at the next point boundary.  The point in
// flight still completes.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.pause = true
	e.mu.Unlock()
}

// Resume releases a pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Paused {
		return fmt.Errorf("%w (state is %s)", ErrNotPaused, e.state)
	}
	e.pause = false
	return nil
}

// Interrupt requests a stop at the next point boundary.  Rows collected
// so far are still flushed and the engine ends Interrupted; Start does
// not report an interruption as an error.  Interrupt also releases a
// pause.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	e.interrupt = true
	e.pause = false
	e.mu.Unlock()
}

// Data returns the in-memory scan table, nil before Start.  Rows keep
// accumulating while the scan runs.
func (e *Engine) Data() *Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table
}

// FitResult returns the end-of-scan fit and whether one was computed.
func (e *Engine) FitResult() (fit.Result, bool) { return e.fit, e.fitDone }

// Peak returns the largest YField value observed.
func (e *Engine) Peak() float64 { return e.fit.Peak }

// PeakAt returns the XField position of the peak.
func (e *Engine) PeakAt() float64 { return e.fit.PeakAt }

// Min returns the smallest YField value observed.
func (e *Engine) Min() float64 { return e.fit.Min }

// MinAt returns the XField position of the minimum.
func (e *Engine) MinAt() float64 { return e.fit.MinAt }

// FWHM returns the fitted full width at half maximum, zero when the fit
// did not converge.
func (e *Engine) FWHM() float64 { return e.fit.FWHM }

// FWHMAt returns the fitted center, zero when the fit did not converge.
func (e *Engine) FWHMAt() float64 { return e.fit.FWHMAt }

// COM returns the center of mass of YField over XField.
func (e *Engine) COM() float64 { return e.fit.COM }

// StartedAt returns when Start began executing points.
func (e *Engine) StartedAt() time.Time { return e.start }

// EndedAt returns when the point loop finished.
func (e *Engine) EndedAt() time.Time { return e.end }

// Duration returns how long the point loop ran.
func (e *Engine) Duration() time.Duration { return e.end.Sub(e.start) }

// Start runs the scan and blocks until it finishes, is interrupted, or a
// device fails.  Configuration problems are reported before anything
// moves, leaving the engine Idle.  A device failure ends the scan in
// Error without flushing buffered rows.  An interruption flushes the
// rows collected so far, ends Interrupted, and returns nil.
func (e *Engine) Start() error {
	if err := e.prepare(); err != nil {
		return err
	}
	e.start = time.Now()
	if e.Writer != nil {
		e.Writer.SetStartDate(e.start)
		if e.Comment != "" {
			e.Writer.InsertComment(e.Comment)
		}
		e.Writer.SetUsername(e.User)
		e.Writer.SetCommand(e.Command)
		if n := e.totalPoints(); n > 0 {
			e.Writer.SetDataSize(n)
		}
		if e.PartialWrite {
			if err := e.Writer.WriteHeader(); err != nil {
				return fmt.Errorf("writing header: %w", err)
			}
		}
	}
	e.initialize()
	e.setState(Running)
	if e.Callbacks.PreScan != nil {
		e.Callbacks.PreScan(e)
	}

	var err error
	switch e.kind {
	case sweepLinear:
		err = e.runSweep(e.totalPoints(), func(point, axis int) int { return point })
	case sweepMesh:
		err = e.runMesh()
	default:
		err = e.runTime()
	}
	e.end = time.Now()

	interrupted := errors.Is(err, errInterrupted)
	if err != nil && !interrupted {
		e.setState(Error)
		if e.Writer != nil {
			e.Writer.Close()
		}
		return err
	}
	if interrupted {
		e.logf("user interrupted at point %d", e.table.Len())
	}
	e.terminate()
	if e.Callbacks.PostScan != nil {
		e.Callbacks.PostScan(e)
	}
	if e.Writer != nil {
		var werr error
		if !e.PartialWrite {
			e.logf("saving data to file")
			e.Writer.SetEndDate(e.end)
			werr = e.Writer.WriteHeader()
			if werr == nil {
				werr = e.Writer.WriteData(false, -1)
			}
		}
		if cerr := e.Writer.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			e.setState(Error)
			return fmt.Errorf("saving scan data: %w", werr)
		}
	}
	if !interrupted {
		e.setState(Idle)
	}
	return nil
}

// prepare validates the configuration and declares the output columns.
func (e *Engine) prepare() error {
	e.mu.Lock()
	ran := e.table != nil
	e.mu.Unlock()
	if ran {
		return ErrAlreadyRan
	}
	total := e.totalPoints()
	if err := e.CountTime.check(total, "count time"); err != nil {
		return err
	}
	if err := e.Delay.check(total, "delay"); err != nil {
		return err
	}
	if e.Log == nil {
		e.Log = logrus.StandardLogger()
	}
	if e.PlotAxis < 1 {
		e.PlotAxis = 1
	}
	if e.User == "" {
		if u, err := user.Current(); err == nil {
			e.User = u.Username
		}
	}

	table := NewTable()
	table.AddColumn("points")
	for _, ax := range e.axes {
		table.AddColumn(ax.Device().Mnemonic())
		if e.Writer != nil {
			e.Writer.InsertDevice(ax.Device().Mnemonic())
		}
	}
	e.counters = e.reg.EnabledMnemonics()
	for _, c := range e.counters {
		table.AddColumn(c)
		if e.Writer != nil {
			e.Writer.InsertSignal(c)
		}
	}

	if e.XField == "" || !table.Has(e.XField) {
		if len(e.axes) > 0 {
			e.XField = e.axes[0].Device().Mnemonic()
		} else {
			e.XField = "points"
		}
	}
	if e.YField == "" || !table.Has(e.YField) {
		if len(e.counters) > 0 {
			e.YField = e.counters[0]
		} else {
			e.YField = e.XField
		}
	}

	e.mu.Lock()
	e.table = table
	e.mu.Unlock()
	return nil
}

// initialize sets up the plot curve and prints the column header.
func (e *Engine) initialize() {
	if e.Plotter != nil {
		e.Plotter.CreateAxis(AxisConfig{
			Axis:       e.PlotAxis,
			Label:      e.YField,
			XLabel:     e.XField,
			YLabel:     e.YField,
			Grid:       true,
			LineStyle:  "-",
			LineMarker: ".",
			LineColor:  "blue",
		})
	}
	if e.Printer != nil {
		fmt.Fprintln(e.Printer, strings.Join(e.table.Names(), "  "))
	}
}

// terminate runs the end-of-scan fit.  A fit that does not converge is
// not a failure; the raw extrema still populate the result.
func (e *Engine) terminate() {
	if !e.FitEnabled || e.table.Len() == 0 {
		return
	}
	e.fit = fit.GaussLin(e.table.Column(e.XField), e.table.Column(e.YField))
	e.fitDone = true
	e.logf("peak %v at %v, fwhm %v at %v, com %v",
		e.fit.Peak, e.fit.PeakAt, e.fit.FWHM, e.fit.FWHMAt, e.fit.COM)
}

// totalPoints returns the number of points the sweep will visit, or -1
// when open-ended.
func (e *Engine) totalPoints() int {
	switch e.kind {
	case sweepLinear:
		return e.axes[0].Len()
	case sweepMesh:
		n := 1
		for _, ax := range e.axes {
			n *= ax.Len()
		}
		return n
	default:
		if e.repeat < 0 {
			return -1
		}
		return e.repeat + 1
	}
}

func (e *Engine) runMesh() error {
	// divisors[k] is the product of the point counts of the axes after
	// k, so the last axis varies fastest.
	divisors := make([]int, len(e.axes))
	for k := range e.axes {
		divisors[k] = 1
		for _, later := range e.axes[k+1:] {
			divisors[k] *= later.Len()
		}
	}
	return e.runSweep(e.totalPoints(), func(point, axis int) int {
		return (point / divisors[axis]) % e.axes[axis].Len()
	})
}

// runSweep executes the axis-driven point loop.  localIdx maps the global
// point number to each axis's own point index.
func (e *Engine) runSweep(total int, localIdx func(point, axis int) int) error {
	var (
		positions []float64
		indexes   []int
	)
	for pointIdx := 0; pointIdx < total; pointIdx++ {
		if e.Callbacks.PrePoint != nil {
			e.Callbacks.PrePoint(e, positions, indexes)
		}
		if err := e.checkPauseInterrupt(pointIdx); err != nil {
			return err
		}
		e.delay(pointIdx)

		indexes = make([]int, len(e.axes))
		for k, ax := range e.axes {
			i := localIdx(pointIdx, k)
			indexes[k] = i
			if err := ax.Device().SetValue(ax.point(i)); err != nil {
				return fmt.Errorf("moving %s to %v: %w", ax.Device().Mnemonic(), ax.point(i), err)
			}
		}
		for _, ax := range e.axes {
			if err := ax.Device().Wait(); err != nil {
				return fmt.Errorf("waiting for %s: %w", ax.Device().Mnemonic(), err)
			}
		}
		positions = make([]float64, len(e.axes))
		for k, ax := range e.axes {
			v, err := ax.Device().GetValue()
			if err != nil {
				return fmt.Errorf("reading %s: %w", ax.Device().Mnemonic(), err)
			}
			positions[k] = v
		}

		if err := e.countAndRecord(pointIdx, positions, positions, indexes); err != nil {
			return err
		}
	}
	return nil
}

// runTime executes the axis-free counting loop.
func (e *Engine) runTime() error {
	var (
		positions []float64
		indexes   []int
	)
	for pointIdx := 0; ; pointIdx++ {
		if e.Callbacks.PrePoint != nil {
			e.Callbacks.PrePoint(e, positions, indexes)
		}
		if err := e.checkPauseInterrupt(pointIdx); err != nil {
			return err
		}
		e.delay(pointIdx)

		positions = []float64{float64(pointIdx)}
		indexes = []int{pointIdx}
		if err := e.countAndRecord(pointIdx, nil, positions, indexes); err != nil {
			return err
		}
		if e.repeat != -1 && e.repeat < pointIdx+1 {
			return nil
		}
	}
}

// countAndRecord runs one point's acquisition and emits the row.  The
// row carries the point number, then rowPos, then counter values; a time
// series has no position columns but its callbacks still see the point
// number as the position.
func (e *Engine) countAndRecord(pointIdx int, rowPos, positions []float64, indexes []int) error {
	if e.Callbacks.PreOperation != nil {
		e.Callbacks.PreOperation(e, positions, indexes)
	}
	t := e.CountTime.at(pointIdx)
	monitor := t < 0
	if monitor {
		t = -t
	}
	if err := e.reg.StartAll(t, monitor); err != nil {
		return err
	}
	if e.Callbacks.Operation != nil {
		e.Callbacks.Operation(e, positions, indexes)
	}
	if err := e.reg.WaitAll(monitor); err != nil {
		return err
	}
	if err := e.reg.StopAll(); err != nil {
		return err
	}
	readings, err := e.reg.Snapshot()
	if err != nil {
		return err
	}
	if e.Callbacks.PostOperation != nil {
		e.Callbacks.PostOperation(e, positions, indexes)
	}

	row := make([]float64, 0, 1+len(rowPos)+len(readings))
	row = append(row, float64(pointIdx))
	row = append(row, rowPos...)
	if len(readings) != len(e.counters) {
		return fmt.Errorf("counter set changed during the scan: %d readings for %d columns",
			len(readings), len(e.counters))
	}
	for i, r := range readings {
		if r.Mnemonic != e.counters[i] {
			return fmt.Errorf("counter set changed during the scan: read %s, column is %s",
				r.Mnemonic, e.counters[i])
		}
		row = append(row, r.Value)
	}
	if err := e.emit(pointIdx, row); err != nil {
		return err
	}
	if e.Callbacks.PostPoint != nil {
		e.Callbacks.PostPoint(e, positions, indexes)
	}
	return nil
}

// emit appends the row to the table and forwards it to the writer,
// printer and plotter.  The writer's rows carry devices then signals;
// the point number column is table-only.
func (e *Engine) emit(pointIdx int, row []float64) error {
	e.table.AppendRow(row)
	if e.Writer != nil {
		e.Writer.InsertRow(row[1:])
		if e.PartialWrite {
			if err := e.Writer.WriteData(true, pointIdx); err != nil {
				return fmt.Errorf("writing point %d: %w", pointIdx, err)
			}
		}
	}
	if e.Printer != nil {
		fmt.Fprintln(e.Printer, formatRow(row, 4))
	}
	if e.Plotter != nil {
		n := e.table.Len() - 1
		x, okx := e.table.Value(e.XField, n)
		y, oky := e.table.Value(e.YField, n)
		if okx && oky {
			e.Plotter.Plot(x, y, e.PlotAxis)
		}
	}
	return nil
}

func (e *Engine) delay(pointIdx int) {
	if t := e.Delay.at(pointIdx); t > 0 {
		time.Sleep(time.Duration(t * float64(time.Second)))
	}
}

// checkPauseInterrupt honors the pause and interrupt flags at a point
// boundary.  It blocks while paused and returns errInterrupted when the
// scan must unwind.
func (e *Engine) checkPauseInterrupt(pointIdx int) error {
	e.mu.Lock()
	paused := e.pause
	e.mu.Unlock()
	if paused {
		e.setState(Paused)
		e.logf("pausing scan before point %d", pointIdx)
		for {
			time.Sleep(pausePoll)
			e.mu.Lock()
			p, i := e.pause, e.interrupt
			e.mu.Unlock()
			if !p || i {
				break
			}
		}
	}
	e.mu.Lock()
	interrupted := e.interrupt
	e.mu.Unlock()
	if interrupted {
		e.setState(Interrupted)
		e.logf("aborting the scan, waiting for cleanup")
		return errInterrupted
	}
	if paused {
		e.setState(Running)
		e.logf("resuming scan at point %d", pointIdx)
	}
	return nil
}

func (e *Engine) logf(format string, args ...interface{}) {
	e.Log.Infof(format, args...)
}

// formatRow renders one data row for the console, values joined by a
// single space.  Magnitudes too small for the fixed precision switch to
// scientific notation.
func formatRow(row []float64, precision int) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = formatValue(v, precision)
	}
	return strings.Join(parts, " ")
}

func formatValue(v float64, precision int) string {
	if a := math.Abs(v); a != 0 && math.Log10(a) < -float64(precision) {
		return strconv.FormatFloat(v, 'e', precision, 64)
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}
