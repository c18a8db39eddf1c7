package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/lnls-sol/goscan/archive"
	"github.com/lnls-sol/goscan/beamline"
	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/generichttp/sweep"
	"github.com/lnls-sol/goscan/util"

	"github.com/abiosoft/ishell"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"
)

// console wires the shell commands to a locally built beamline.  All
// output goes through out, so tests can capture it.
type console struct {
	bl     *beamline.Beamline
	runner *sweep.Runner
	out    io.Writer

	// xField and yField are applied to every launched sweep; empty
	// falls back to the engine defaults.
	xField, yField string
}

func newConsole(bl *beamline.Beamline, store *archive.Store, user string, log logrus.FieldLogger, out io.Writer) *console {
	runner := sweep.NewRunner(bl.Registry(), bl)
	runner.Log = log
	runner.User = user
	runner.Archive = store
	runner.NewRecorder = bl.NewRecorder
	return &console{bl: bl, runner: runner, out: out}
}

// install registers every command with the shell.
func (con *console) install(shell *ishell.Shell) {
	motors := func([]string) []string { return con.bl.Motors() }
	counters := func([]string) []string { return con.bl.Registry().Mnemonics() }
	cmds := []*ishell.Cmd{
		{Name: "wa", Help: "wa: positions of every motor", Func: run(con.wa)},
		{Name: "mv", Help: "mv <motor> <position>", Completer: motors, Func: run(con.mv)},
		{Name: "umv", Help: "umv <motor> <position>: move with live readback", Completer: motors, Func: run(con.umv)},
		{Name: "ct", Help: "ct [seconds]: count once, negative gates on the monitor", Func: run(con.ct)},
		{Name: "scan", Help: "scan <motor> <start> <end> <intervals> <seconds>", Completer: motors, Func: run(con.scan)},
		{Name: "mesh", Help: "mesh <m1> <start> <end> <intervals> <m2> <start> <end> <intervals> <seconds>", Completer: motors, Func: run(con.mesh)},
		{Name: "timescan", Help: "timescan <repeat> <seconds> [delay]: -1 repeats until aborted", Func: run(con.timescan)},
		{Name: "pause", Help: "pause: hold the sweep at the next point", Func: run(con.pause)},
		{Name: "resume", Help: "resume: release a paused sweep and watch it", Func: run(con.resume)},
		{Name: "abort", Help: "abort: end the sweep, keeping collected points", Func: run(con.abort)},
		{Name: "counters", Help: "counters: the registry and its state", Func: run(con.counters)},
		{Name: "enable", Help: "enable <mnemonic>", Completer: counters, Func: run(con.enableCmd(true))},
		{Name: "disable", Help: "disable <mnemonic>", Completer: counters, Func: run(con.enableCmd(false))},
		{Name: "plot", Help: "plot [x] <y>: pick the plotted and fitted columns", Completer: counters, Func: run(con.plot)},
	}
	for _, c := range cmds {
		shell.AddCmd(c)
	}
}

// run adapts a command body to ishell, routing errors to the shell.
func run(fn func(args []string) error) func(*ishell.Context) {
	return func(c *ishell.Context) {
		if err := fn(c.Args); err != nil {
			c.Err(err)
		}
	}
}

// spinner builds the shared spinner so motion and counting look alike.
func (con *console) spinner(suffix string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Writer:            con.out,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// wa prints every motor and its position, in declaration order.
func (con *console) wa(args []string) error {
	for _, name := range con.bl.Motors() {
		dev, _ := con.bl.Positioner(name)
		pos, err := dev.GetValue()
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		fmt.Fprintf(con.out, "%-10s %12.6f\n", name, pos)
	}
	return nil
}

func (con *console) moveTarget(verb string, args []string) (device.Positionable, float64, error) {
	if len(args) != 2 {
		return nil, 0, fmt.Errorf("usage: %s <motor> <position>", verb)
	}
	dev, ok := con.bl.Positioner(args[0])
	if !ok {
		return nil, 0, fmt.Errorf("no motor named %s", args[0])
	}
	target, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, 0, fmt.Errorf("position %q is not a number", args[1])
	}
	lims := util.Limiter{Min: dev.LowLimitValue(), Max: dev.HighLimitValue()}
	// both zero means the device has no limits configured
	if !(lims.Min == 0 && lims.Max == 0) && !lims.Contains(target) {
		return nil, 0, fmt.Errorf("target %v outside limits [%v, %v] of %s", target, lims.Min, lims.Max, args[0])
	}
	return dev, target, nil
}

// mv moves one motor and blocks until it settles.
func (con *console) mv(args []string) error {
	dev, target, err := con.moveTarget("mv", args)
	if err != nil {
		return err
	}
	if err := dev.SetValue(target); err != nil {
		return err
	}
	if err := dev.Wait(); err != nil {
		return err
	}
	pos, err := dev.GetValue()
	if err != nil {
		return err
	}
	fmt.Fprintf(con.out, "%s = %.6f\n", dev.Mnemonic(), pos)
	return nil
}

// umv is mv with a live position readout while the motor travels.
func (con *console) umv(args []string) error {
	dev, target, err := con.moveTarget("umv", args)
	if err != nil {
		return err
	}
	sp, err := con.spinner(fmt.Sprintf("%s -> %g", dev.Mnemonic(), target))
	if err != nil {
		return err
	}
	if err := dev.SetValue(target); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- dev.Wait() }()
	sp.Start()
	for {
		select {
		case werr := <-done:
			if werr != nil {
				sp.StopFailMessage(werr.Error())
				sp.StopFail()
				return werr
			}
			pos, rerr := dev.GetValue()
			if rerr != nil {
				sp.StopFail()
				return rerr
			}
			sp.StopMessage(fmt.Sprintf("%s = %.6f", dev.Mnemonic(), pos))
			sp.Stop()
			return nil
		case <-time.After(50 * time.Millisecond):
			if pos, rerr := dev.GetValue(); rerr == nil {
				sp.Message(fmt.Sprintf("%s = %.6f", dev.Mnemonic(), pos))
			}
		}
	}
}

// ct runs one acquisition and prints the readings.  A negative time -N
// gates on the monitor with a preset of N, like a sweep point does.
func (con *console) ct(args []string) error {
	if len(args) > 1 {
		return errors.New("usage: ct [seconds]")
	}
	t := 1.0
	if len(args) == 1 {
		var err error
		t, err = strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("count time %q is not a number", args[0])
		}
		if t == 0 {
			return errors.New("count time cannot be zero")
		}
	}
	monitored := t < 0
	if monitored {
		t = -t
	}
	reg := con.bl.Registry()
	if err := reg.StartAll(t, monitored); err != nil {
		return err
	}
	if !monitored {
		// pace a spinner through the known gate; WaitAll picks up
		// any straggler below
		if sp, err := con.spinner(fmt.Sprintf("counting %gs", t)); err == nil && sp.Start() == nil {
			tmr := util.NewTimer(time.Duration(t * float64(time.Second)))
			for tmr.Check() {
				time.Sleep(20 * time.Millisecond)
			}
			sp.Stop()
		}
	}
	if err := reg.WaitAll(monitored); err != nil {
		return err
	}
	if err := reg.StopAll(); err != nil {
		return err
	}
	readings, err := reg.Snapshot()
	if err != nil {
		return err
	}
	for _, rd := range readings {
		fmt.Fprintf(con.out, "%-10s %14.6f\n", rd.Mnemonic, rd.Value)
	}
	return nil
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", a)
		}
		out[i] = v
	}
	return out, nil
}

// scan sweeps one motor and watches the sweep to completion.
func (con *console) scan(args []string) error {
	if len(args) != 5 {
		return errors.New("usage: scan <motor> <start> <end> <intervals> <seconds>")
	}
	ends, err := parseFloats(args[1:3])
	if err != nil {
		return err
	}
	steps, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("intervals %q is not an integer", args[3])
	}
	ct, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return fmt.Errorf("count time %q is not a number", args[4])
	}
	req := sweep.SweepRequest{
		Motors:    []string{args[0]},
		Starts:    []float64{ends[0]},
		Ends:      []float64{ends[1]},
		Steps:     []int{steps},
		CountTime: ct,
		XField:    con.xField,
		YField:    con.yField,
	}
	if err := con.runner.Scan(req); err != nil {
		return err
	}
	return con.attend()
}

// mesh sweeps the grid of two motors, the second varying fastest.
func (con *console) mesh(args []string) error {
	if len(args) != 9 {
		return errors.New("usage: mesh <m1> <start> <end> <intervals> <m2> <start> <end> <intervals> <seconds>")
	}
	a, err := parseFloats(args[1:3])
	if err != nil {
		return err
	}
	na, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("intervals %q is not an integer", args[3])
	}
	b, err := parseFloats(args[5:7])
	if err != nil {
		return err
	}
	nb, err := strconv.Atoi(args[7])
	if err != nil {
		return fmt.Errorf("intervals %q is not an integer", args[7])
	}
	ct, err := strconv.ParseFloat(args[8], 64)
	if err != nil {
		return fmt.Errorf("count time %q is not a number", args[8])
	}
	req := sweep.SweepRequest{
		Motors:    []string{args[0], args[4]},
		Starts:    []float64{a[0], b[0]},
		Ends:      []float64{a[1], b[1]},
		Steps:     []int{na, nb},
		CountTime: ct,
		XField:    con.xField,
		YField:    con.yField,
	}
	if err := con.runner.Mesh(req); err != nil {
		return err
	}
	return con.attend()
}

// timescan counts repeat+1 times with no motion, -1 until aborted.
func (con *console) timescan(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: timescan <repeat> <seconds> [delay]")
	}
	repeat, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("repeat %q is not an integer", args[0])
	}
	ct, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("count time %q is not a number", args[1])
	}
	delay := 0.0
	if len(args) == 3 {
		delay, err = strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("delay %q is not a number", args[2])
		}
	}
	req := sweep.TimeRequest{Repeat: repeat, CountTime: ct, Delay: delay, YField: con.yField}
	if err := con.runner.TimeScan(req); err != nil {
		return err
	}
	return con.attend()
}

// attend watches the running sweep with a live point count.  Ctrl-C
// pauses it at the next point boundary and hands the prompt back;
// resume re-enters, abort finishes it.
func (con *console) attend() error {
	sp, err := con.spinner(con.runner.Data().Command)
	if err != nil {
		return err
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	sp.Start()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	// the launch goroutine may not have entered the point loop yet
	starting := util.NewTimer(2 * time.Second)
	for {
		select {
		case <-sigs:
			con.runner.Pause()
		case <-tick.C:
		}
		n := len(con.runner.Data().Rows)
		switch st := con.runner.State(); st {
		case "running":
			sp.Message(fmt.Sprintf("%d points", n))
		case "paused":
			sp.StopFailMessage(fmt.Sprintf("paused at %d points, resume or abort", n))
			sp.StopFail()
			return nil
		case "idle":
			if n == 0 && starting.Check() {
				continue
			}
			sp.StopMessage(fmt.Sprintf("%d points", n))
			sp.Stop()
			con.summary()
			return nil
		case "interrupted":
			sp.StopFailMessage(fmt.Sprintf("interrupted at %d points", n))
			sp.StopFail()
			con.summary()
			return nil
		default:
			sp.StopFailMessage(fmt.Sprintf("failed after %d points", n))
			sp.StopFail()
			return fmt.Errorf("sweep ended in state %s", st)
		}
	}
}

// summary prints the table size and the end-of-scan fit.
func (con *console) summary() {
	table := con.runner.Data()
	fmt.Fprintf(con.out, "%s: %d points\n", table.Command, len(table.Rows))
	f := con.runner.Fit()
	if !f.Done {
		return
	}
	fmt.Fprintf(con.out, "peak %.6g at %.6g  fwhm %.6g at %.6g  com %.6g\n",
		f.Peak, f.PeakAt, f.FWHM, f.FWHMAt, f.COM)
}

// pause holds the sweep at the next point boundary.
func (con *console) pause(args []string) error {
	if err := con.runner.Pause(); err != nil {
		return err
	}
	fmt.Fprintln(con.out, "pausing at the next point")
	return nil
}

// resume releases a paused sweep and watches it again.
func (con *console) resume(args []string) error {
	if err := con.runner.Resume(); err != nil {
		return err
	}
	return con.attend()
}

// abort ends the sweep; the points collected so far are still
// recorded and archived.
func (con *console) abort(args []string) error {
	if err := con.runner.Interrupt(); err != nil {
		return err
	}
	for con.runner.Busy() {
		time.Sleep(10 * time.Millisecond)
	}
	con.summary()
	return nil
}

// counters prints the registry in registration order.
func (con *console) counters(args []string) error {
	fmt.Fprintf(con.out, "%-12s %7s %7s %8s %8s\n", "mnemonic", "channel", "factor", "monitor", "enabled")
	for _, ci := range con.runner.Counters() {
		fmt.Fprintf(con.out, "%-12s %7d %7g %8v %8v\n", ci.Mnemonic, ci.Channel, ci.Factor, ci.Monitor, ci.Enabled)
	}
	return nil
}

func (con *console) enableCmd(on bool) func([]string) error {
	verb := "enable"
	if !on {
		verb = "disable"
	}
	return func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <mnemonic>", verb)
		}
		return con.runner.EnableCounter(args[0], on)
	}
}

// plot shows or sets the columns later sweeps plot and fit.
func (con *console) plot(args []string) error {
	switch len(args) {
	case 0:
		x, y := con.xField, con.yField
		if x == "" {
			x = "(first motor)"
		}
		if y == "" {
			y = "(first counter)"
		}
		fmt.Fprintf(con.out, "plotting %s against %s\n", y, x)
		return nil
	case 1:
		if !con.knownField(args[0]) {
			return fmt.Errorf("no scan column will be named %s", args[0])
		}
		con.yField = args[0]
	case 2:
		for _, f := range args {
			if !con.knownField(f) {
				return fmt.Errorf("no scan column will be named %s", f)
			}
		}
		con.xField, con.yField = args[0], args[1]
	default:
		return errors.New("usage: plot [x] <y>")
	}
	return nil
}

// knownField reports whether name will exist as a scan column.
func (con *console) knownField(name string) bool {
	if name == "points" {
		return true
	}
	if _, ok := con.bl.Positioner(name); ok {
		return true
	}
	_, ok := con.bl.Registry().Lookup(name)
	return ok
}
