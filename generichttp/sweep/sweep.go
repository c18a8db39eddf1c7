/*
Package sweep exposes the scan engine over HTTP.

A Runner owns the counter registry and a device lookup, launches one
engine at a time in the background, and carries the pause, resume and
interrupt controls.  NewHTTPRunner wraps a Runner in a route table the
way the instrument wrappers do.
*/
package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/lnls-sol/goscan/archive"
	"github.com/lnls-sol/goscan/counter"
	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/generichttp"
	"github.com/lnls-sol/goscan/scan"
	"github.com/sirupsen/logrus"
	"goji.io/pat"
)

// ErrBusy is returned when a launch is attempted while a sweep runs.
var ErrBusy = errors.New("a sweep is already in progress")

// Devices resolves sweep axis mnemonics to positionables.
type Devices interface {
	Positioner(mnemonic string) (device.Positionable, bool)
}

// Runner launches one engine at a time over a fixed registry and device
// set.  The exported fields configure launched engines and must be set
// before the runner serves requests.
type Runner struct {
	// Log receives lifecycle messages, default logrus standard logger.
	Log logrus.FieldLogger

	// NewRecorder builds the data file writer for one sweep.  nil
	// disables recording.
	NewRecorder func(command string) (scan.Recorder, error)

	// Plotter receives live points from launched sweeps.
	Plotter scan.Plotter

	// Archive receives the finished sweep.  nil disables archiving.
	Archive *archive.Store

	// User overrides the recorded user name.
	User string

	reg  *counter.Registry
	devs Devices

	mu  sync.Mutex
	eng *scan.Engine
}

// NewRunner builds a runner over the registry and device lookup.
func NewRunner(reg *counter.Registry, devs Devices) *Runner {
	if reg == nil {
		reg = counter.NewRegistry()
	}
	return &Runner{Log: logrus.StandardLogger(), reg: reg, devs: devs}
}

// Registry returns the registry launched sweeps count with.
func (r *Runner) Registry() *counter.Registry { return r.reg }

// SweepRequest describes a sweep over named motors.  Steps holds either
// one shared entry or one entry per motor.  A negative CountTime -N
// engages monitor mode with a preset of N.  XField and YField pick the
// plotted and fitted columns, defaulting to the first motor and the
// first counter.
type SweepRequest struct {
	Motors    []string  `json:"motors"`
	Starts    []float64 `json:"starts"`
	Ends      []float64 `json:"ends"`
	Steps     []int     `json:"steps"`
	CountTime float64   `json:"count_time"`
	Delay     float64   `json:"delay"`
	Comment   string    `json:"comment"`
	XField    string    `json:"x_field"`
	YField    string    `json:"y_field"`
}

func (req SweepRequest) stepsFor(i int) int {
	if len(req.Steps) == 1 {
		return req.Steps[0]
	}
	return req.Steps[i]
}

func (req SweepRequest) command(kind string) string {
	parts := []string{kind}
	for i, m := range req.Motors {
		parts = append(parts, m, fmtF(req.Starts[i]), fmtF(req.Ends[i]))
		if kind == "mesh" {
			parts = append(parts, strconv.Itoa(req.stepsFor(i)))
		}
	}
	if kind != "mesh" {
		parts = append(parts, strconv.Itoa(req.stepsFor(0)))
	}
	parts = append(parts, fmtF(req.CountTime))
	return strings.Join(parts, " ")
}

// TimeRequest describes a counting loop with no motors.  Repeat is the
// last point index, so repeat+1 points run; -1 runs until interrupted.
type TimeRequest struct {
	Repeat    int     `json:"repeat"`
	CountTime float64 `json:"count_time"`
	Delay     float64 `json:"delay"`
	Comment   string  `json:"comment"`
	YField    string  `json:"y_field"`
}

func fmtF(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// Scan launches a joint sweep: every motor steps through its own range
// in lockstep.
func (r *Runner) Scan(req SweepRequest) error {
	axes, err := r.axes(req)
	if err != nil {
		return err
	}
	eng, err := scan.NewLinear(r.reg, axes...)
	if err != nil {
		return err
	}
	eng.XField, eng.YField = req.XField, req.YField
	return r.launch(eng, req.command("scan"), req.CountTime, req.Delay, req.Comment)
}

// Mesh launches a sweep over the Cartesian product of the motor ranges.
func (r *Runner) Mesh(req SweepRequest) error {
	axes, err := r.axes(req)
	if err != nil {
		return err
	}
	eng, err := scan.NewMesh(r.reg, axes...)
	if err != nil {
		return err
	}
	eng.XField, eng.YField = req.XField, req.YField
	return r.launch(eng, req.command("mesh"), req.CountTime, req.Delay, req.Comment)
}

// TimeScan launches a counting loop with no motors.
func (r *Runner) TimeScan(req TimeRequest) error {
	eng := scan.NewTimeSeries(r.reg, req.Repeat)
	eng.YField = req.YField
	cmd := strings.Join([]string{"timescan", strconv.Itoa(req.Repeat), fmtF(req.CountTime), fmtF(req.Delay)}, " ")
	return r.launch(eng, cmd, req.CountTime, req.Delay, req.Comment)
}

func (r *Runner) axes(req SweepRequest) ([]scan.Axis, error) {
	n := len(req.Motors)
	if n == 0 {
		return nil, errors.New("a sweep needs at least one motor")
	}
	if r.devs == nil {
		return nil, errors.New("this runner has no motors to sweep")
	}
	if len(req.Starts) != n || len(req.Ends) != n {
		return nil, fmt.Errorf("%d motors with %d starts and %d ends", n, len(req.Starts), len(req.Ends))
	}
	if len(req.Steps) != 1 && len(req.Steps) != n {
		return nil, fmt.Errorf("steps needs one entry or one per motor, got %d for %d motors", len(req.Steps), n)
	}
	axes := make([]scan.Axis, n)
	for i, name := range req.Motors {
		dev, ok := r.devs.Positioner(name)
		if !ok {
			return nil, fmt.Errorf("unknown motor %s", name)
		}
		ax, err := scan.NewAxis(dev, req.Starts[i], req.Ends[i], req.stepsFor(i))
		if err != nil {
			return nil, err
		}
		axes[i] = ax
	}
	return axes, nil
}

func (r *Runner) launch(eng *scan.Engine, command string, countTime, delay float64, comment string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eng != nil {
		if st := r.eng.State(); st == scan.Running || st == scan.Paused {
			return fmt.Errorf("%w (%s)", ErrBusy, st)
		}
	}
	if countTime != 0 {
		eng.CountTime = scan.Every(countTime)
	}
	if delay > 0 {
		eng.Delay = scan.Every(delay)
	}
	eng.Command = command
	eng.Comment = comment
	eng.User = r.User
	eng.Log = r.Log
	eng.Plotter = r.Plotter
	if r.NewRecorder != nil {
		w, err := r.NewRecorder(command)
		if err != nil {
			return fmt.Errorf("preparing the recorder for %q: %w", command, err)
		}
		// factories may decline per-sweep, e.g. when no data dir is configured
		if w != nil {
			eng.Writer = w
			eng.PartialWrite = true
		}
	}
	r.eng = eng
	go r.run(eng)
	return nil
}

func (r *Runner) run(eng *scan.Engine) {
	if err := eng.Start(); err != nil {
		r.Log.Errorf("sweep %q: %v", eng.Command, err)
	}
	if r.Archive == nil {
		return
	}
	table := eng.Data()
	if table == nil {
		return
	}
	columns := table.Names()
	if len(columns) == 0 {
		return
	}
	rec := archive.Record{
		Command: eng.Command,
		User:    eng.User,
		State:   eng.State().String(),
		Started: eng.StartedAt(),
		Ended:   eng.EndedAt(),
		Columns: columns,
	}
	if _, err := r.Archive.Save(context.Background(), rec, table.Rows()); err != nil {
		r.Log.Errorf("archiving sweep %q: %v", eng.Command, err)
	}
}

func (r *Runner) engine() *scan.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eng
}

// State reports the lifecycle state of the last launched sweep, idle
// when none has run.
func (r *Runner) State() string {
	eng := r.engine()
	if eng == nil {
		return scan.Idle.String()
	}
	return eng.State().String()
}

// Busy reports whether a sweep is running or paused.  Lockers use it to
// bounce raw device access while an acquisition holds the hardware.
func (r *Runner) Busy() bool {
	eng := r.engine()
	if eng == nil {
		return false
	}
	st := eng.State()
	return st == scan.Running || st == scan.Paused
}

// Pause requests a pause at the next point boundary.
func (r *Runner) Pause() error {
	eng := r.engine()
	if eng == nil {
		return errors.New("no sweep has been launched")
	}
	eng.Pause()
	return nil
}

// Resume releases a pause.
func (r *Runner) Resume() error {
	eng := r.engine()
	if eng == nil {
		return errors.New("no sweep has been launched")
	}
	return eng.Resume()
}

// Interrupt stops the sweep at the next point boundary.
func (r *Runner) Interrupt() error {
	eng := r.engine()
	if eng == nil {
		return errors.New("no sweep has been launched")
	}
	eng.Interrupt()
	return nil
}

// TablePayload is the JSON form of the data table.
type TablePayload struct {
	Command string      `json:"command"`
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

// Data returns the last launched sweep's table, empty when none ran.
func (r *Runner) Data() TablePayload {
	eng := r.engine()
	if eng == nil {
		return TablePayload{Columns: []string{}, Rows: [][]float64{}}
	}
	table := eng.Data()
	if table == nil {
		return TablePayload{Command: eng.Command, Columns: []string{}, Rows: [][]float64{}}
	}
	return TablePayload{
		Command: eng.Command,
		Columns: table.Names(),
		Rows:    table.Rows(),
	}
}

// FitPayload is the JSON form of the end-of-scan fit.
type FitPayload struct {
	Done      bool    `json:"done"`
	Converged bool    `json:"converged"`
	Peak      float64 `json:"peak"`
	PeakAt    float64 `json:"peak_at"`
	Min       float64 `json:"min"`
	MinAt     float64 `json:"min_at"`
	FWHM      float64 `json:"fwhm"`
	FWHMAt    float64 `json:"fwhm_at"`
	COM       float64 `json:"com"`
}

// Fit returns the end-of-scan fit of the last launched sweep.
func (r *Runner) Fit() FitPayload {
	eng := r.engine()
	if eng == nil {
		return FitPayload{}
	}
	res, done := eng.FitResult()
	return FitPayload{
		Done:      done,
		Converged: res.Converged,
		Peak:      res.Peak,
		PeakAt:    res.PeakAt,
		Min:       res.Min,
		MinAt:     res.MinAt,
		FWHM:      res.FWHM,
		FWHMAt:    res.FWHMAt,
		COM:       res.COM,
	}
}

// CounterInfo describes one registry entry over HTTP.
type CounterInfo struct {
	Mnemonic string  `json:"mnemonic"`
	Channel  int     `json:"channel"`
	Monitor  bool    `json:"monitor"`
	Factor   float64 `json:"factor"`
	Enabled  bool    `json:"enabled"`
}

// Counters lists the registry in registration order.
func (r *Runner) Counters() []CounterInfo {
	names := r.reg.Mnemonics()
	out := make([]CounterInfo, 0, len(names))
	for _, name := range names {
		e, ok := r.reg.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, CounterInfo{
			Mnemonic: name,
			Channel:  e.Channel,
			Monitor:  e.Monitor,
			Factor:   e.Factor,
			Enabled:  e.Enabled,
		})
	}
	return out
}

// EnableCounter enables or disables one registry entry.
func (r *Runner) EnableCounter(name string, on bool) error {
	if on {
		return r.reg.Enable(name)
	}
	return r.reg.Disable(name)
}

// HTTPRunner exposes a Runner over HTTP.
type HTTPRunner struct {
	R *Runner

	RouteTable generichttp.RouteTable
}

// NewHTTPRunner builds the wrapper with its route table populated.
func NewHTTPRunner(r *Runner) HTTPRunner {
	h := HTTPRunner{R: r}
	rt := generichttp.RouteTable{}
	rt[pat.Post("/scan")] = h.Scan
	rt[pat.Post("/mesh")] = h.Mesh
	rt[pat.Post("/timescan")] = h.TimeScan
	rt[pat.Get("/state")] = generichttp.GetString(func() (string, error) { return r.State(), nil })
	rt[pat.Post("/pause")] = h.Pause
	rt[pat.Post("/resume")] = h.Resume
	rt[pat.Post("/interrupt")] = h.Interrupt
	rt[pat.Get("/data")] = h.Data
	rt[pat.Get("/fit")] = h.Fit
	rt[pat.Get("/counters")] = h.Counters
	rt[pat.Post("/counters/:name/enabled")] = h.SetCounterEnabled
	rt[pat.Get("/counters/:name/enabled")] = h.GetCounterEnabled
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer.
func (h HTTPRunner) RT() generichttp.RouteTable { return h.RouteTable }

func launchStatus(err error) int {
	if errors.Is(err, ErrBusy) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

// Scan launches a joint sweep from a JSON SweepRequest.
func (h HTTPRunner) Scan(w http.ResponseWriter, r *http.Request) {
	req := SweepRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.R.Scan(req); err != nil {
		http.Error(w, err.Error(), launchStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Mesh launches a mesh sweep from a JSON SweepRequest.
func (h HTTPRunner) Mesh(w http.ResponseWriter, r *http.Request) {
	req := SweepRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.R.Mesh(req); err != nil {
		http.Error(w, err.Error(), launchStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// TimeScan launches a counting loop from a JSON TimeRequest.
func (h HTTPRunner) TimeScan(w http.ResponseWriter, r *http.Request) {
	req := TimeRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.R.TimeScan(req); err != nil {
		http.Error(w, err.Error(), launchStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Pause requests a pause at the next point boundary.
func (h HTTPRunner) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.R.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Resume releases a pause.
func (h HTTPRunner) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.R.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Interrupt stops the sweep at the next point boundary.
func (h HTTPRunner) Interrupt(w http.ResponseWriter, r *http.Request) {
	if err := h.R.Interrupt(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Data returns the current data table as JSON.
func (h HTTPRunner) Data(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.R.Data()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Fit returns the end-of-scan fit as JSON.
func (h HTTPRunner) Fit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.R.Fit()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Counters lists the registry as JSON.
func (h HTTPRunner) Counters(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.R.Counters()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetCounterEnabled reports whether one counter participates in counts.
func (h HTTPRunner) GetCounterEnabled(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	e, ok := h.R.reg.Lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("counter %s is not registered", name), http.StatusNotFound)
		return
	}
	generichttp.GetBool(func() (bool, error) { return e.Enabled, nil })(w, r)
}

// SetCounterEnabled enables or disables one counter from {"bool": v}.
func (h HTTPRunner) SetCounterEnabled(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.R.EnableCounter(name, b.Bool); err != nil {
		if errors.Is(err, counter.ErrUnknownMnemonic) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
