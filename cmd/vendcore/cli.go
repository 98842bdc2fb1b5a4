package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/kioskworks/vendcore/internal/config"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/link"
)

// newApp creates the CLI application. With no subcommand it runs the daemon.
func newApp() *cli.App {
	app := &cli.App{
		Name:    "vendcore",
		Usage:   "Coin, change and paper vending controller",
		Version: Version,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (YAML, TOML or JSON)",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
		}, runFlags()...),
		Commands: []*cli.Command{
			runCmd(),
			printStateCmd(),
			checkConfigCmd(),
		},
		Action: runAction,
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: `Host link device, or "stdio"`},
		&cli.StringFlag{Name: "http", Usage: "Status server address (empty string disables)"},
		&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error"},
	}
}

// runCmd creates the run command.
func runCmd() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the controller loop (default)",
		Flags:  runFlags(),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return run(cfg)
}

// loadConfig reads the file named by --config and applies command-line
// overrides on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("port") {
		cfg.Link.Port = c.String("port")
	}
	if c.IsSet("http") {
		cfg.HTTP.Addr = c.String("http")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	return cfg, nil
}

// printStateCmd creates the print-state command.
func printStateCmd() *cli.Command {
	return &cli.Command{
		Name:  "print-state",
		Usage: "Read every sensor input once and exit",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			chip, err := gpio.OpenChip(cfg.GPIO.Chip)
			if err != nil {
				return fmt.Errorf("init gpio: %w", err)
			}
			defer chip.Close()

			readings, err := readInputs(cfg, chip)
			if err != nil {
				return err
			}
			for _, r := range readings {
				fmt.Fprintf(c.App.Writer, "%-24s pin %-3d %s\n", r.Name, r.Pin, r.state())
			}
			return nil
		},
	}
}

// checkConfigCmd creates the check-config command.
func checkConfigCmd() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "Validate the configuration and print a summary",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			describeConfig(c.App.Writer, cfg)
			return nil
		},
	}
}

// pinReading is one sampled input.
type pinReading struct {
	Name   string
	Pin    int
	Active bool
	Err    error
}

func (r pinReading) state() string {
	switch {
	case r.Err != nil:
		return "error: " + r.Err.Error()
	case r.Active:
		return "active"
	default:
		return "inactive"
	}
}

// readInputs samples the coin line, every hopper sensor and every dispenser
// limit and presence switch once. Opening a pin fails the whole call; a
// failed read is reported in its reading.
func readInputs(cfg *config.Config, pins gpio.Pins) ([]pinReading, error) {
	type input struct {
		name      string
		pin       int
		activeLow bool
	}
	inputs := []input{{"coinslot", cfg.CoinSlot.Pin, true}}
	for _, h := range cfg.Hoppers {
		inputs = append(inputs, input{h.Name + " sensor", h.SensorPin, h.SensorActiveLow})
	}
	for _, d := range cfg.Dispensers {
		inputs = append(inputs, input{d.Name + " limit", d.LimitPin, false})
		if d.PresencePin != 0 {
			inputs = append(inputs, input{d.Name + " presence", d.PresencePin, false})
		}
	}

	readings := make([]pinReading, 0, len(inputs))
	for _, in := range inputs {
		p, err := pins.Input(in.pin, in.activeLow)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.name, err)
		}
		active, err := p.Read()
		readings = append(readings, pinReading{Name: in.name, Pin: in.pin, Active: active, Err: err})
	}
	return readings, nil
}

// describeConfig writes a human-readable summary of cfg.
func describeConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "link:       %s", cfg.Link.Port)
	if cfg.Link.Port != link.Stdio {
		fmt.Fprintf(w, " @ %d baud", cfg.Link.Baud)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "loop:       poll %s, status every %s\n", cfg.Loop.Poll, cfg.Loop.StatusInterval)
	fmt.Fprintf(w, "gpio:       %s\n", cfg.GPIO.Chip)

	pulses := make([]string, 0, len(cfg.CoinSlot.Pulses))
	for _, n := range sortedKeys(cfg.CoinSlot.Pulses) {
		pulses = append(pulses, fmt.Sprintf("%d->%d", n, cfg.CoinSlot.Pulses[n]))
	}
	fmt.Fprintf(w, "coinslot:   pin %d, pulses %s\n", cfg.CoinSlot.Pin, strings.Join(pulses, " "))

	for _, h := range cfg.Hoppers {
		fmt.Fprintf(w, "hopper:     %s denom %d relay %d actuator %d sensor %d\n",
			h.Name, h.Denomination, h.Relay, h.ActuatorPin, h.SensorPin)
	}
	for _, d := range cfg.Dispensers {
		name := d.Name
		if len(d.Aliases) > 0 {
			name += " (" + strings.Join(d.Aliases, ", ") + ")"
		}
		fmt.Fprintf(w, "dispenser:  %s %d steps/sheet, limit %d\n", name, d.StepsPerSheet, d.LimitPin)
	}

	if cfg.MQTT.Enabled {
		fmt.Fprintf(w, "mqtt:       %s prefix %s\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	} else {
		fmt.Fprintln(w, "mqtt:       disabled")
	}
	if cfg.HTTP.Addr != "" {
		fmt.Fprintf(w, "http:       %s\n", cfg.HTTP.Addr)
	} else {
		fmt.Fprintln(w, "http:       disabled")
	}
	fmt.Fprintf(w, "log:        %s %s\n", cfg.Log.Level, cfg.Log.Format)
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
