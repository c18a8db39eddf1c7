/*
Package beamline assembles the devices of an endstation from a yaml
description: the motors, the counting devices and the registry entries
reading them, and where sweep data files land.

The file is a list of motor nodes and counter nodes, each with a Type
discriminator selecting the constructor and the arguments it needs.
Composite motors may reference any motor declared above them, so order
in the file matters.
*/
package beamline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lnls-sol/goscan/comm"
	"github.com/lnls-sol/goscan/counter"
	"github.com/lnls-sol/goscan/device"
	"github.com/lnls-sol/goscan/eurotherm"
	"github.com/lnls-sol/goscan/pseudo"
	"github.com/lnls-sol/goscan/scaler"
	"github.com/lnls-sol/goscan/scan"
	"github.com/lnls-sol/goscan/scanrec"
	"github.com/lnls-sol/goscan/sim"
	"github.com/lnls-sol/goscan/util"

	"github.com/go-yaml/yaml"
	"github.com/tarm/serial"
)

// DependSetup couples one dependency of a composite motor with the
// formula deriving its target.
type DependSetup struct {
	// Motor is the mnemonic of a motor declared earlier in the file.
	Motor string `yaml:"Motor"`

	// Forward computes this dependency's target.  It sees every
	// dependency position under its mnemonic, and the composite's
	// requested position as the variable target.
	Forward string `yaml:"Forward"`
}

// MotorSetup describes one positionable axis.
type MotorSetup struct {
	// Name is the mnemonic the motor is addressed by everywhere: move
	// commands, sweep commands, data columns.
	Name string `yaml:"Name"`

	// Type selects the constructor: sim, eurotherm, or pseudo.
	// An empty type means sim.
	Type string `yaml:"Type"`

	// Addr holds the network or filesystem address of a remote device,
	// e.g. 192.168.100.123:502, or /dev/ttyUSB0 for an RS485 line.
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS485 (True) or
	// Modbus TCP (False).
	Serial bool `yaml:"Serial"`

	// Baud is the serial line rate.  Zero means the driver default.
	Baud int `yaml:"Baud"`

	// SlaveID is the Modbus unit id of a temperature controller.
	SlaveID int `yaml:"SlaveID"`

	// Scale is the register counts-per-unit scaling.  Zero keeps the
	// driver default.
	Scale float64 `yaml:"Scale"`

	// SettleWindow is how close the process value must come to the
	// setpoint before a move counts as settled, in device units.
	SettleWindow float64 `yaml:"SettleWindow"`

	// Velocity, Noise and Settle shape a simulated motor.  Settle is
	// in seconds.
	Velocity float64 `yaml:"Velocity"`
	Noise    float64 `yaml:"Noise"`
	Settle   float64 `yaml:"Settle"`

	// Limits are the soft travel limits.  Omitted means unlimited.
	Limits *util.Limiter `yaml:"Limits"`

	// Back derives a composite's readback from its dependency
	// positions, e.g. (left + right) / 2.
	Back string `yaml:"Back"`

	// Depends lists a composite's dependencies in planning order.
	Depends []DependSetup `yaml:"Depends"`
}

// ResponseSetup links a simulated scaler channel to a motor so counts
// follow a Gaussian of the motor position.
type ResponseSetup struct {
	Motor      string  `yaml:"Motor"`
	Channel    int     `yaml:"Channel"`
	Center     float64 `yaml:"Center"`
	Sigma      float64 `yaml:"Sigma"`
	Amplitude  float64 `yaml:"Amplitude"`
	Background float64 `yaml:"Background"`
}

// ReadSetup registers one counter mnemonic over a channel of a device.
type ReadSetup struct {
	Mnemonic string `yaml:"Mnemonic"`

	// Channel routes the read to one channel of a multi-channel device
	// when > 0.
	Channel int `yaml:"Channel"`

	// Monitor marks the mnemonic as the count gate for monitor-mode
	// acquisitions.  Only one enabled monitor may exist.
	Monitor bool `yaml:"Monitor"`

	// Factor divides the raw reading.  Zero means one.
	Factor float64 `yaml:"Factor"`
}

// CounterSetup describes one counting device and the registry entries
// reading it.  With no Reads the device is registered once, under its
// own name.
type CounterSetup struct {
	Name string `yaml:"Name"`

	// Type selects the constructor: sim, clock, or scaler.  An empty
	// type means sim.
	Type string `yaml:"Type"`

	// Addr, Serial and Baud locate a hardware scaler bank, as for
	// motors.
	Addr   string `yaml:"Addr"`
	Serial bool   `yaml:"Serial"`
	Baud   int    `yaml:"Baud"`

	// BusAddress is the bank's address on a shared RS485 bus.
	BusAddress int `yaml:"BusAddress"`

	// Channels is the channel count of the bank.  Channel 1 always
	// counts seconds.
	Channels int `yaml:"Channels"`

	// Response shapes one channel of a simulated scaler.
	Response *ResponseSetup `yaml:"Response"`

	Reads []ReadSetup `yaml:"Reads"`
}

// DataSetup describes where completed sweeps are recorded.
type DataSetup struct {
	// Dir is the directory scan files land in.  Empty disables
	// recording.
	Dir string `yaml:"Dir"`

	// Format is spec or fits.
	Format string `yaml:"Format"`

	// Stem is the base file name, numbered per sweep.  Empty means
	// scan.
	Stem string `yaml:"Stem"`
}

// Config holds the full beamline description.
type Config struct {
	Motors   []MotorSetup   `yaml:"Motors"`
	Counters []CounterSetup `yaml:"Counters"`
	Data     DataSetup      `yaml:"Data"`
}

// LoadYaml converts a (path to a) yaml file into a Config struct.
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// Demo returns the configuration of a simulated endstation: motors m1
// and m2, a scaler whose channel 2 carries a gaussian response on m1,
// and a clock monitor.  The binaries use it as their default, so a
// fresh install can exercise every feature without hardware.
func Demo() Config {
	return Config{
		Motors: []MotorSetup{
			{Name: "m1", Velocity: 10, Limits: &util.Limiter{Min: -100, Max: 100}},
			{Name: "m2", Velocity: 10},
		},
		Counters: []CounterSetup{
			{Name: "sc", Channels: 4,
				Response: &ResponseSetup{Motor: "m1", Channel: 2, Center: 0.5, Sigma: 0.2, Amplitude: 1000, Background: 10},
				Reads: []ReadSetup{
					{Mnemonic: "sec", Channel: 1},
					{Mnemonic: "det", Channel: 2},
				}},
			{Name: "mon", Type: "clock",
				Reads: []ReadSetup{{Mnemonic: "mon", Monitor: true}}},
		},
		Data: DataSetup{Dir: "data", Format: "spec", Stem: "scan"},
	}
}

// Beamline is a built device set.  It satisfies the device lookup the
// sweep runner needs and owns the transports the build opened.
type Beamline struct {
	reg     *counter.Registry
	order   []string
	motors  map[string]device.Positionable
	data    DataSetup
	closers []io.Closer
}

// Build constructs every node of cfg.  Motors are built first, in file
// order, so counters and composites can reference them.  On error the
// transports opened so far are closed.
func Build(cfg Config) (*Beamline, error) {
	b := &Beamline{
		reg:    counter.NewRegistry(),
		motors: map[string]device.Positionable{},
		data:   cfg.Data,
	}
	for _, node := range cfg.Motors {
		if node.Name == "" {
			b.Close()
			return nil, errors.New("a motor node needs a Name")
		}
		if _, ok := b.motors[node.Name]; ok {
			b.Close()
			return nil, fmt.Errorf("motor %s is declared twice", node.Name)
		}
		dev, err := b.buildMotor(node)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.motors[node.Name] = dev
		b.order = append(b.order, node.Name)
	}
	for _, node := range cfg.Counters {
		if err := b.buildCounter(node); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Beamline) buildMotor(node MotorSetup) (device.Positionable, error) {
	switch strings.ToLower(node.Type) {
	case "sim", "":
		m := sim.NewMotor(node.Name)
		if node.Velocity != 0 {
			if err := m.SetVelocity(node.Velocity); err != nil {
				return nil, fmt.Errorf("motor %s: %w", node.Name, err)
			}
		}
		if node.Noise != 0 {
			m.SetNoise(node.Noise)
		}
		if node.Settle != 0 {
			m.SetSettle(time.Duration(node.Settle * float64(time.Second)))
		}
		if node.Limits != nil {
			m.SetLimits(node.Limits.Min, node.Limits.Max)
		}
		return m, nil

	case "eurotherm":
		slave, err := busByte(node.SlaveID)
		if err != nil {
			return nil, fmt.Errorf("motor %s: %w", node.Name, err)
		}
		var ctl *eurotherm.Controller
		if node.Serial {
			ctl, err = eurotherm.NewRTU(node.Addr, node.Baud, slave, node.Name)
		} else {
			ctl, err = eurotherm.NewTCP(node.Addr, slave, node.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("motor %s: %w", node.Name, err)
		}
		b.closers = append(b.closers, ctl)
		if node.Scale != 0 {
			if err := ctl.SetScale(node.Scale); err != nil {
				return nil, fmt.Errorf("motor %s: %w", node.Name, err)
			}
		}
		if node.SettleWindow != 0 {
			if err := ctl.SetSettleWindow(node.SettleWindow); err != nil {
				return nil, fmt.Errorf("motor %s: %w", node.Name, err)
			}
		}
		return ctl, nil

	case "pseudo":
		if node.Back == "" {
			return nil, fmt.Errorf("composite %s needs a Back formula", node.Name)
		}
		back, err := pseudo.BackFormula(node.Name, node.Back)
		if err != nil {
			return nil, err
		}
		deps := make([]pseudo.Dependency, 0, len(node.Depends))
		for _, d := range node.Depends {
			dev, ok := b.motors[d.Motor]
			if !ok {
				return nil, fmt.Errorf("composite %s: dependency %s is not declared above it", node.Name, d.Motor)
			}
			if d.Forward == "" {
				return nil, fmt.Errorf("composite %s: dependency %s needs a Forward formula", node.Name, d.Motor)
			}
			fwd, err := pseudo.ForwardFormula(node.Name+"."+d.Motor, d.Forward)
			if err != nil {
				return nil, err
			}
			deps = append(deps, pseudo.Dependency{Dev: dev, Forward: fwd})
		}
		return pseudo.NewMotor(node.Name, back, deps...)

	default:
		return nil, fmt.Errorf("motor %s: type %q not understood", node.Name, node.Type)
	}
}

func (b *Beamline) buildCounter(node CounterSetup) error {
	if node.Name == "" {
		return errors.New("a counter node needs a Name")
	}
	var dev device.Countable
	switch strings.ToLower(node.Type) {
	case "sim", "":
		sc := sim.NewScaler(node.Name, node.Channels)
		if node.Response != nil {
			src, ok := b.motors[node.Response.Motor]
			if !ok {
				return fmt.Errorf("counter %s: response motor %s is not declared", node.Name, node.Response.Motor)
			}
			err := sc.SetResponse(node.Response.Channel, sim.Response{
				Source:     src,
				Center:     node.Response.Center,
				Sigma:      node.Response.Sigma,
				Amplitude:  node.Response.Amplitude,
				Background: node.Response.Background,
			})
			if err != nil {
				return fmt.Errorf("counter %s: %w", node.Name, err)
			}
		}
		dev = sc

	case "clock":
		dev = sim.NewClock(node.Name)

	case "scaler":
		busAddr, err := busByte(node.BusAddress)
		if err != nil {
			return fmt.Errorf("counter %s: %w", node.Name, err)
		}
		var maker comm.CreationFunc
		if node.Serial {
			maker = comm.SerialConnMaker(&serial.Config{Name: node.Addr, Baud: node.Baud})
		} else {
			maker = comm.BackingOffTCPConnMaker(node.Addr, 3*time.Second)
		}
		pool := comm.NewPool(1, 30*time.Second, maker)
		dev = scaler.NewBank(pool, busAddr, node.Channels)

	default:
		return fmt.Errorf("counter %s: type %q not understood", node.Name, node.Type)
	}
	if len(node.Reads) == 0 {
		return b.register(node.Name, ReadSetup{Mnemonic: node.Name}, dev)
	}
	for _, read := range node.Reads {
		if err := b.register(node.Name, read, dev); err != nil {
			return err
		}
	}
	return nil
}

func (b *Beamline) register(name string, read ReadSetup, dev device.Countable) error {
	if read.Mnemonic == "" {
		return fmt.Errorf("counter %s: a read needs a Mnemonic", name)
	}
	// counters and motors share the command namespace
	if _, ok := b.motors[read.Mnemonic]; ok {
		return fmt.Errorf("counter %s collides with a motor mnemonic", read.Mnemonic)
	}
	return b.reg.RegisterEntry(read.Mnemonic, counter.Entry{
		Device:  dev,
		Channel: read.Channel,
		Monitor: read.Monitor,
		Factor:  read.Factor,
	})
}

// Positioner resolves a motor mnemonic.
func (b *Beamline) Positioner(name string) (device.Positionable, bool) {
	dev, ok := b.motors[name]
	return dev, ok
}

// Motors returns the motor mnemonics in declaration order.
func (b *Beamline) Motors() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Registry returns the counter registry.
func (b *Beamline) Registry() *counter.Registry {
	return b.reg
}

// Records reports whether a data directory is configured.
func (b *Beamline) Records() bool {
	return b.data.Dir != ""
}

// NewRecorder opens the data file for one sweep under the configured
// directory, numbered so reruns never clobber earlier files.  It
// returns nil when recording is disabled.
func (b *Beamline) NewRecorder(command string) (scan.Recorder, error) {
	if b.data.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(b.data.Dir, 0755); err != nil {
		return nil, err
	}
	stem := b.data.Stem
	if stem == "" {
		stem = "scan"
	}
	ext := ".dat"
	fits := strings.EqualFold(b.data.Format, "fits")
	if fits {
		ext = ".fits"
	}
	path, err := scanrec.UniquePath(filepath.Join(b.data.Dir, stem+ext))
	if err != nil {
		return nil, err
	}
	if fits {
		return scanrec.NewFITSFile(path)
	}
	return scanrec.NewSpecFile(path)
}

// Close releases every transport the build opened, last first.
func (b *Beamline) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

func busByte(v int) (byte, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("bus address %d does not fit in one byte", v)
	}
	return byte(v), nil
}
