package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lnls-sol/goscan/archive"
	"github.com/lnls-sol/goscan/beamline"

	"github.com/abiosoft/ishell"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"
)

var (
	// Version is stamped by the build, via ldflags on release builds
	Version = "1"

	// ConfigFileName matches the daemon's, so the console and scansrv
	// drive the same endstation description.
	ConfigFileName = "scansrv.yml"
	k              = koanf.New(".")
)

// Config is the part of the daemon's configuration the console uses.
// Extra keys in the file, like the daemon's Addr, are ignored.
type Config struct {
	// User is stamped into data files and the archive as the scan owner.
	User string `yaml:"User"`

	// Archive is the path of the sqlite database finished sweeps land
	// in.  Empty disables archiving.
	Archive string `yaml:"Archive"`

	// Beamline describes the devices to assemble at startup.
	Beamline beamline.Config `yaml:"Beamline"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		User:     "beamline",
		Archive:  "scans.db",
		Beamline: beamline.Demo()}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func help() {
	str := `scan is an interactive console over the beamline described by scansrv.yml,
the same file the scansrv daemon reads.  Run scansrv mkconf to write the
default, fully simulated endstation.

Usage:
	scan            start the shell
	scan help       print this text
	scan version    print the version

Commands inside the shell:
	wa                     positions of every motor
	mv <motor> <pos>       move and wait
	umv <motor> <pos>      move with live readback
	ct [seconds]           count once, negative gates on the monitor
	scan m start end n t   sweep one motor over n intervals, t seconds per point
	mesh m1 ... m2 ... t   sweep the grid of two motors
	timescan repeat t [d]  count repeat+1 times, -1 until aborted
	pause resume abort     control the sweep in flight
	counters               the registry and its state
	enable <mnemonic>      count a channel again
	disable <mnemonic>     leave a channel out of sweeps
	plot [x] <y>           pick the plotted and fitted columns

Ctrl-C during a sweep pauses it and hands the prompt back.`
	fmt.Println(str)
}

func pversion() {
	fmt.Printf("scan version %v\n", Version)
}

func repl() {
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	bl, err := beamline.Build(c.Beamline)
	if err != nil {
		log.Fatal(err)
	}
	defer bl.Close()
	var store *archive.Store
	if c.Archive != "" {
		store, err = archive.Open(c.Archive)
		if err != nil {
			log.Fatal(err)
		}
		defer store.Close()
	}
	// keep sweep chatter off the prompt; failures still surface
	lg := logrus.New()
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lg.SetLevel(logrus.WarnLevel)

	con := newConsole(bl, store, c.User, lg, os.Stdout)
	shell := ishell.New()
	shell.Println("goscan console, help lists commands")
	con.install(shell)
	shell.Run()
}

func main() {
	setupconfig()
	if len(os.Args) == 1 {
		repl()
		return
	}
	switch strings.ToLower(os.Args[1]) {
	case "help":
		help()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
