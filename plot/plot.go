// Package plot delivers live scan curves to watching clients over
// websockets.  The engine pushes one point per completed scan point;
// the hub keeps the full curve per plot axis so late joiners get the
// whole picture, and paces broadcasts so a fast scan does not firehose
// every client on every point.
package plot

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lnls-sol/goscan/scan"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Null is a Plotter that discards everything.
type Null struct{}

func (Null) CreateAxis(scan.AxisConfig) {}

func (Null) Plot(x, y float64, axis int) {}

func (Null) Clear(axis int) {}

// Curve is the full state of one plot axis.
type Curve struct {
	Axis   int       `json:"axis"`
	Label  string    `json:"label"`
	XLabel string    `json:"xlabel"`
	YLabel string    `json:"ylabel"`
	X      []float64 `json:"x"`
	Y      []float64 `json:"y"`
}

// Event is one message to a watching client.  Snapshot carries every
// curve on connect; curve carries one axis's full state after new
// points; axis announces a new curve; clear empties one.
type Event struct {
	Event  string  `json:"event"`
	Axis   int     `json:"axis,omitempty"`
	Curve  *Curve  `json:"curve,omitempty"`
	Curves []Curve `json:"curves,omitempty"`
}

const clientBuffer = 32

// flushEvery is how often pending points are retried against the pacer.
const flushEvery = 100 * time.Millisecond

// Hub implements the engine's Plotter and serves the curves to
// websocket clients.  One hub serves any number of sequential scans;
// curves persist until the next CreateAxis or Clear on their axis.
type Hub struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	pacer    *rate.Limiter

	mu      sync.Mutex
	curves  map[int]*Curve
	pending map[int]bool
	clients map[chan []byte]struct{}
	done    chan struct{}
}

// NewHub returns a hub ready to serve.  nil log uses the standard
// logger.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Hub{
		log:     log,
		pacer:   rate.NewLimiter(rate.Limit(20), 20),
		curves:  map[int]*Curve{},
		pending: map[int]bool{},
		clients: map[chan []byte]struct{}{},
		done:    make(chan struct{}),
	}
	go h.flusher()
	return h
}

// Close stops the background flusher.  Connected clients are left to
// disconnect on their own.
func (h *Hub) Close() error {
	close(h.done)
	return nil
}

// CreateAxis resets the axis to an empty curve and announces it.
func (h *Hub) CreateAxis(cfg scan.AxisConfig) {
	h.mu.Lock()
	c := &Curve{
		Axis:   cfg.Axis,
		Label:  cfg.Label,
		XLabel: cfg.XLabel,
		YLabel: cfg.YLabel,
		X:      []float64{},
		Y:      []float64{},
	}
	h.curves[cfg.Axis] = c
	delete(h.pending, cfg.Axis)
	h.broadcast(Event{Event: "axis", Axis: cfg.Axis, Curve: c})
	h.mu.Unlock()
}

// Plot appends one point.  The point is always kept; whether it goes
// out immediately or with the next paced flush is up to the pacer.
func (h *Hub) Plot(x, y float64, axis int) {
	h.mu.Lock()
	c, ok := h.curves[axis]
	if !ok {
		c = &Curve{Axis: axis, X: []float64{}, Y: []float64{}}
		h.curves[axis] = c
	}
	c.X = append(c.X, x)
	c.Y = append(c.Y, y)
	h.pending[axis] = true
	h.flushLocked(false)
	h.mu.Unlock()
}

// Clear empties the axis's curve.
func (h *Hub) Clear(axis int) {
	h.mu.Lock()
	if c, ok := h.curves[axis]; ok {
		c.X = []float64{}
		c.Y = []float64{}
	}
	delete(h.pending, axis)
	h.broadcast(Event{Event: "clear", Axis: axis})
	h.mu.Unlock()
}

// flusher retries pending curves so points held back by the pacer still
// reach clients shortly after the burst.
func (h *Hub) flusher() {
	tick := time.NewTicker(flushEvery)
	defer tick.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-tick.C:
			h.mu.Lock()
			h.flushLocked(true)
			h.mu.Unlock()
		}
	}
}

// flushLocked sends the full curve of every pending axis if the pacer
// allows.  Callers hold h.mu.
func (h *Hub) flushLocked(force bool) {
	if len(h.pending) == 0 {
		return
	}
	if !force && !h.pacer.Allow() {
		return
	}
	for axis := range h.pending {
		h.broadcast(Event{Event: "curve", Axis: axis, Curve: h.curves[axis]})
		delete(h.pending, axis)
	}
}

// broadcast fans an event out to every client, dropping it for clients
// whose send buffer is full.  Callers hold h.mu.
func (h *Hub) broadcast(ev Event) {
	js, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorf("marshaling plot event: %v", err)
		return
	}
	for c := range h.clients {
		select {
		case c <- js:
		default:
			h.log.Warn("plot client send buffer full, dropping event")
		}
	}
}

// ServeHTTP upgrades the connection and streams plot events.  The first
// message is a snapshot of every curve.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("plot client upgrade: %v", err)
		return
	}
	defer conn.Close()

	send := make(chan []byte, clientBuffer)
	h.mu.Lock()
	snap := Event{Event: "snapshot", Curves: make([]Curve, 0, len(h.curves))}
	for _, c := range h.curves {
		snap.Curves = append(snap.Curves, *c)
	}
	h.clients[send] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, send)
		close(send)
		h.mu.Unlock()
	}()

	js, err := json.Marshal(snap)
	if err != nil {
		h.log.Errorf("marshaling plot snapshot: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, js); err != nil {
		return
	}

	go func() {
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// clients send nothing meaningful; the read loop only notices when
	// they go away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
