package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lnls-sol/goscan/archive"
	"github.com/lnls-sol/goscan/beamline"
	"github.com/lnls-sol/goscan/generichttp"
	"github.com/lnls-sol/goscan/generichttp/motion"
	"github.com/lnls-sol/goscan/generichttp/sweep"
	"github.com/lnls-sol/goscan/monitor"
	"github.com/lnls-sol/goscan/plot"
	"github.com/lnls-sol/goscan/server/middleware/locker"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"goji.io"
)

// MonitorSetup configures the background sampler that tracks device
// positions between sweeps.
type MonitorSetup struct {
	// Period is the sampling interval in seconds.
	Period float64 `yaml:"Period"`

	// Depth is how many samples are kept per device.
	Depth int `yaml:"Depth"`
}

// Config holds the initialization parameters for the daemon.  It is
// populated from a yaml file with the same shape.
type Config struct {
	// Addr is the host:port the daemon listens at.
	Addr string `yaml:"Addr"`

	// User is stamped into data files and the archive as the scan owner.
	User string `yaml:"User"`

	// LogFile, when set, copies the log to a file next to stdout.
	LogFile string `yaml:"LogFile"`

	// Archive is the path of the sqlite database finished sweeps land
	// in.  Empty disables archiving.
	Archive string `yaml:"Archive"`

	Monitor MonitorSetup `yaml:"Monitor"`

	// Beamline describes the devices to assemble at startup.
	Beamline beamline.Config `yaml:"Beamline"`
}

// setupLogger builds the daemon log, duplicating it to logFile when
// one is configured.
func setupLogger(logFile string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return log, nil
}

// Server owns a built beamline and the HTTP surface over it.
type Server struct {
	// Handler is the root route tree, ready for ListenAndServe.
	Handler http.Handler

	// Runner drives sweeps for the HTTP routes.
	Runner *sweep.Runner

	bl    *beamline.Beamline
	store *archive.Store
	mon   *monitor.Monitor
	hub   *plot.Hub
}

// Close stops the sampler and releases the plot hub, the archive, and
// the beamline's transports.
func (s *Server) Close() error {
	s.mon.Stop()
	s.hub.Close()
	var first error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			first = err
		}
	}
	if err := s.bl.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// BuildServer assembles the devices described by c and the daemon's
// route tree over them: sweeps under /sweep, raw device access under
// /devices (bounced with 423 while a sweep runs), position histories
// under /monitor, finished sweeps under /archive, the live plot
// websocket at /live, and prometheus metrics at /metrics.  /endpoints
// returns the route map as JSON.
func BuildServer(c Config, log *logrus.Logger) (*Server, error) {
	bl, err := beamline.Build(c.Beamline)
	if err != nil {
		return nil, err
	}
	var store *archive.Store
	if c.Archive != "" {
		store, err = archive.Open(c.Archive)
		if err != nil {
			bl.Close()
			return nil, err
		}
	}
	period := time.Duration(c.Monitor.Period * float64(time.Second))
	mon, err := monitor.New(period, c.Monitor.Depth)
	if err != nil {
		if store != nil {
			store.Close()
		}
		bl.Close()
		return nil, err
	}
	mon.Log = log
	for _, name := range bl.Motors() {
		dev, _ := bl.Positioner(name)
		if err := mon.Register(dev); err != nil {
			if store != nil {
				store.Close()
			}
			bl.Close()
			return nil, err
		}
	}

	hub := plot.NewHub(log)

	runner := sweep.NewRunner(bl.Registry(), bl)
	runner.Log = log
	runner.User = c.User
	runner.Plotter = hub
	runner.Archive = store
	runner.NewRecorder = bl.NewRecorder

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	routeIndex := map[string][]string{}

	// chi hands foreign handlers the full request path, so the goji
	// submuxes are mounted behind a StripPrefix.
	mount := func(stem string, rt generichttp.RouteTable, mw ...func(http.Handler) http.Handler) {
		mux := goji.NewMux()
		for _, m := range mw {
			mux.Use(m)
		}
		rt.Bind(mux)
		routeIndex[stem] = rt.Endpoints()
		root.Mount(stem, http.StripPrefix(stem, mux))
	}

	mount("/sweep", sweep.NewHTTPRunner(runner).RT())

	node := motion.NewHTTPMotion(bl)
	lock := locker.NewAuto(runner.Busy)
	locker.Inject(node, lock)
	mount("/devices", node.RT(), lock.Check)

	mount("/monitor", generichttp.RouteTable(mon.RouteTable("/")))

	if store != nil {
		mount("/archive", archive.NewHTTPStore(store).RT())
	}

	root.Get("/live", hub.ServeHTTP)
	root.Handle("/metrics", metricsHandler(runner, store))
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(routeIndex); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	if err := mon.Start(); err != nil {
		if store != nil {
			store.Close()
		}
		bl.Close()
		return nil, err
	}
	return &Server{
		Handler: root,
		Runner:  runner,
		bl:      bl,
		store:   store,
		mon:     mon,
		hub:     hub,
	}, nil
}

// metricsHandler serves the sweep gauges from a registry local to this
// server, so rebuilding a server never trips duplicate registration.
func metricsHandler(runner *sweep.Runner, store *archive.Store) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "beamline",
		Name:      "sweep_state",
		Help:      "Engine state, 0 idle 1 running 2 paused 3 interrupted 4 error.",
	}, func() float64 { return stateCode(runner.State()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "beamline",
		Name:      "sweep_points",
		Help:      "Points taken by the current or last sweep.",
	}, func() float64 { return float64(len(runner.Data().Rows)) }))
	if store != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: "beamline",
			Name:      "sweeps_archived",
			Help:      "Scans held by the archive, -1 if it cannot be read.",
		}, func() float64 {
			n, err := store.Count(context.Background())
			if err != nil {
				return -1
			}
			return float64(n)
		}))
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func stateCode(state string) float64 {
	switch state {
	case "idle":
		return 0
	case "running":
		return 1
	case "paused":
		return 2
	case "interrupted":
		return 3
	case "error":
		return 4
	}
	return -1
}
