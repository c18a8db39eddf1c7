/*
Package monitor keeps rolling histories of instrument readings and serves
them over HTTP.

A Monitor samples each registered source on a fixed period into ring
buffers, independent of any scan.  The HTTP routes expose the source
list, the latest reading per source, and the buffered history of one
source, for watching a beamline between scans.
*/
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/brandondube/ringo"
	"github.com/sirupsen/logrus"
	"goji.io"
	"goji.io/pat"
)

// Source is any instrument whose instantaneous value can be sampled.
// Positionables and countables both satisfy it.
type Source interface {
	Mnemonic() string
	GetValue() (float64, error)
}

type series struct {
	src   Source
	vals  ringo.CircleF64
	times ringo.CircleTime
}

// Monitor samples sources on a fixed period into ring buffers.
type Monitor struct {
	// Log receives sampling failures, default logrus standard logger.
	Log logrus.FieldLogger

	mu      sync.Mutex
	period  time.Duration
	depth   int
	order   []string
	series  map[string]*series
	ticker  *time.Ticker
	stop    chan struct{}
	running bool
}

// New creates a monitor that samples every period and keeps depth
// readings per source.
func New(period time.Duration, depth int) (*Monitor, error) {
	if period <= 0 {
		return nil, fmt.Errorf("monitor period must be positive, got %v", period)
	}
	if depth < 1 {
		return nil, fmt.Errorf("monitor depth must be at least 1, got %d", depth)
	}
	return &Monitor{
		Log:    logrus.StandardLogger(),
		period: period,
		depth:  depth,
		series: map[string]*series{},
	}, nil
}

// Register adds a source to the sampling set.
func (m *Monitor) Register(src Source) error {
	name := src.Mnemonic()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.series[name]; ok {
		return fmt.Errorf("monitor already watches %s", name)
	}
	s := &series{src: src}
	s.vals.Init(m.depth)
	s.times.Init(m.depth)
	m.series[name] = s
	m.order = append(m.order, name)
	return nil
}

// Start begins background sampling.  A stopped monitor may be started
// again.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor is already running")
	}
	m.ticker = time.NewTicker(m.period)
	m.stop = make(chan struct{})
	m.running = true
	go m.runner(m.ticker, m.stop)
	return nil
}

// Stop halts background sampling.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.running = false
}

func (m *Monitor) runner(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case t := <-ticker.C:
			m.Sample(t)
		case <-stop:
			return
		}
	}
}

// Sample records one reading of every source, stamped at.  Sources that
// fail to read are logged and skipped for this sample.
func (m *Monitor) Sample(at time.Time) {
	m.mu.Lock()
	srcs := make([]Source, 0, len(m.order))
	for _, name := range m.order {
		srcs = append(srcs, m.series[name].src)
	}
	m.mu.Unlock()
	for _, src := range srcs {
		v, err := src.GetValue()
		if err != nil {
			m.Log.Warnf("monitor: reading %s: %v", src.Mnemonic(), err)
			continue
		}
		m.mu.Lock()
		if s, ok := m.series[src.Mnemonic()]; ok {
			s.vals.Append(v)
			s.times.Append(at)
		}
		m.mu.Unlock()
	}
}

// Sources returns the registered mnemonics in registration order.
func (m *Monitor) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Latest returns the most recent reading of one source.  ok is false
// when the source is unknown or has not been sampled yet.
func (m *Monitor) Latest(name string) (v float64, at time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.series[name]
	if !found {
		return 0, time.Time{}, false
	}
	vals := s.vals.Contiguous()
	times := s.times.Contiguous()
	if len(vals) == 0 || len(times) == 0 {
		return 0, time.Time{}, false
	}
	return vals[len(vals)-1], times[len(times)-1], true
}

// History returns the buffered readings of one source, oldest first.
func (m *Monitor) History(name string) ([]float64, []time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[name]
	if !ok {
		return nil, nil, fmt.Errorf("monitor does not watch %s", name)
	}
	return s.vals.Contiguous(), s.times.Contiguous(), nil
}

type historyPayload struct {
	Name   string      `json:"name"`
	Values []float64   `json:"values"`
	Times  []time.Time `json:"timestamps"`
}

// RouteTable maps goji patterns rooted at urlStem to the monitor's
// handlers.
func (m *Monitor) RouteTable(urlStem string) map[goji.Pattern]http.HandlerFunc {
	return map[goji.Pattern]http.HandlerFunc{
		pat.Get(urlStem + "sources"):       m.HTTPSources,
		pat.Get(urlStem + "now"):           m.HTTPNow,
		pat.Get(urlStem + "history/:name"): m.HTTPHistory,
	}
}

// Bind attaches the monitor's routes to mux.
func (m *Monitor) Bind(mux *goji.Mux, urlStem string) {
	for ptrn, handler := range m.RouteTable(urlStem) {
		mux.Handle(ptrn, handler)
	}
}

// HTTPSources lists the registered mnemonics as a JSON array.
func (m *Monitor) HTTPSources(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(m.Sources()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPNow returns a JSON object of the latest reading per source.
// Sources that have never been sampled are omitted.
func (m *Monitor) HTTPNow(w http.ResponseWriter, r *http.Request) {
	now := map[string]float64{}
	for _, name := range m.Sources() {
		if v, _, ok := m.Latest(name); ok {
			now[name] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(now); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPHistory returns the buffered history of the source named in the
// URL.
func (m *Monitor) HTTPHistory(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	vals, times, err := m.History(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	payload := historyPayload{Name: name, Values: vals, Times: times}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
