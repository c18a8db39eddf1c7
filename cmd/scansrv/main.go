package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lnls-sol/goscan/beamline"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is stamped by the build, via ldflags on release builds
	Version = "1"

	// ConfigFileName is where the daemon looks for its yaml config
	ConfigFileName = "scansrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:     ":8000",
		User:     "beamline",
		Archive:  "scans.db",
		Monitor:  MonitorSetup{Period: 1, Depth: 600},
		Beamline: beamline.Demo()}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `scansrv runs scans over the devices of a beamline and exposes an HTTP
interface to them.  Clients in any language drive the beamline with plain
HTTP requests, so nothing endstation-specific has to be installed at the
workstation.

Usage:
	scansrv <command>

Commands:
	run      start the daemon
	conf     print the effective configuration
	mkconf   write the default configuration to scansrv.yml
	help     describe the configuration format
	version  print the version`
	fmt.Println(str)
}

func help() {
	str := `scansrv is amenable to configuration via its .yaml file.  For a primer
on YAML, see https://yaml.org/start.html

Without a configuration, the server runs a simulated endstation: motors
m1 and m2, a scaler sc whose channel 2 carries a gaussian response on
m1, and a clock monitor.  mkconf writes this setup out as a starting
point for describing real hardware.

Motors and matching "Type" fields, case insensitive:
- simulated axis, "sim" (or no Type at all)
- Eurotherm 2000-series setpoint over modbus, "eurotherm"
- composite of earlier motors through formulas, "pseudo"

Counters:
- simulated counting bank, "sim" (or no Type at all)
- wall-clock integrator, "clock"
- CAEN-style scaler bank over TCP or RS485, "scaler"

The sweep routes live under /sweep, raw device access under /devices,
position histories under /monitor, and finished sweeps under /archive.
/devices returns 423 while a sweep is running.`
	fmt.Println(str)
}

func mkconf() {
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	var c Config
	k.Unmarshal("", &c)
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("scansrv version %v\n", Version)
}

func run() {
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	lg, err := setupLogger(c.LogFile)
	if err != nil {
		log.Fatal(err)
	}
	srv, err := BuildServer(c, lg)
	if err != nil {
		log.Fatal(err)
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGABRT, syscall.SIGTERM)
	go func() {
		<-ch
		srv.Close()
		os.Exit(0)
	}()
	lg.Infof("now listening for requests at %s", c.Addr)
	lg.Fatal(http.ListenAndServe(c.Addr, srv.Handler))
}

func main() {
	if len(os.Args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(os.Args[1]) {
	case "run":
		run()
	case "conf":
		printconf()
	case "mkconf":
		mkconf()
	case "help":
		help()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
