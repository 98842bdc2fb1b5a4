// Package config loads the vending core configuration: pin assignments,
// timing constants and the outer surfaces (host link, MQTT, HTTP, logging).
// Nothing in the components is hard-coded; everything arrives through Config.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree.
type Config struct {
	Link       LinkConfig        `mapstructure:"link"`
	Loop       LoopConfig        `mapstructure:"loop"`
	GPIO       GPIOConfig        `mapstructure:"gpio"`
	CoinSlot   CoinSlotConfig    `mapstructure:"coinslot"`
	Hoppers    []HopperConfig    `mapstructure:"hoppers"`
	Change     ChangeConfig      `mapstructure:"change"`
	Dispensers []DispenserConfig `mapstructure:"dispensers"`
	MQTT       MQTTConfig        `mapstructure:"mqtt"`
	HTTP       HTTPConfig        `mapstructure:"http"`
	Log        LogConfig         `mapstructure:"log"`
}

// LinkConfig selects the host byte stream. Port "stdio" uses stdin/stdout.
type LinkConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// LoopConfig controls the cooperative polling loop.
type LoopConfig struct {
	Poll           time.Duration `mapstructure:"poll"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// GPIOConfig names the GPIO character device.
type GPIOConfig struct {
	Chip string `mapstructure:"chip"`
}

// CoinSlotConfig configures the insert-pulse classifier.
type CoinSlotConfig struct {
	Pin         int           `mapstructure:"pin"`
	Debounce    time.Duration `mapstructure:"debounce"`
	QuietWindow time.Duration `mapstructure:"quiet_window"`
	// Pulses maps a burst's pulse count to a coin value.
	Pulses map[int]int `mapstructure:"pulses"`
}

// HopperConfig configures one payout hopper.
type HopperConfig struct {
	Name            string        `mapstructure:"name"`
	Denomination    int           `mapstructure:"denomination"`
	Relay           int           `mapstructure:"relay"`
	ActuatorPin     int           `mapstructure:"actuator_pin"`
	SensorPin       int           `mapstructure:"sensor_pin"`
	ActiveLow       bool          `mapstructure:"active_low"`
	SensorActiveLow bool          `mapstructure:"sensor_active_low"`
	PulseOn         time.Duration `mapstructure:"pulse_on"`
	Cool            time.Duration `mapstructure:"cool"`
	KickGap         time.Duration `mapstructure:"kick_gap"`
	Grace           time.Duration `mapstructure:"grace"`
	MaxGap          time.Duration `mapstructure:"max_gap"`
	Debounce        time.Duration `mapstructure:"debounce"`
}

// ChangeConfig configures the change-making coordinator.
type ChangeConfig struct {
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

// DispenserConfig configures one paper dispenser.
type DispenserConfig struct {
	Name          string        `mapstructure:"name"`
	Aliases       []string      `mapstructure:"aliases"`
	StepperDir    int           `mapstructure:"stepper_dir"`
	StepperPulse  int           `mapstructure:"stepper_pulse"`
	LimitPin      int           `mapstructure:"limit_pin"`
	PresencePin   int           `mapstructure:"presence_pin"`
	MotorIn1      int           `mapstructure:"motor_in1"`
	MotorIn2      int           `mapstructure:"motor_in2"`
	MotorEnable   int           `mapstructure:"motor_enable"`
	StepsPerSheet int           `mapstructure:"steps_per_sheet"`
	StepDelay     time.Duration `mapstructure:"step_delay"`
	StepsPerTick  int           `mapstructure:"steps_per_tick"`
	HomingTimeout time.Duration `mapstructure:"homing_timeout"`
	RampDown      time.Duration `mapstructure:"ramp_down"`
}

// MQTTConfig configures the optional broker mirror.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Buffer      int    `mapstructure:"buffer"`
}

// HTTPConfig configures the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	Output string        `mapstructure:"output"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures lumberjack rotation.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// EnvPrefix is the prefix for environment overrides (VENDCORE_LINK_PORT etc).
const EnvPrefix = "VENDCORE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("link.port", "/dev/ttyACM0")
	v.SetDefault("link.baud", 9600)

	v.SetDefault("loop.poll", 5*time.Millisecond)
	v.SetDefault("loop.status_interval", time.Second)

	v.SetDefault("gpio.chip", "gpiochip0")

	v.SetDefault("coinslot.pin", 2)
	v.SetDefault("coinslot.debounce", 50*time.Millisecond)
	v.SetDefault("coinslot.quiet_window", 300*time.Millisecond)

	v.SetDefault("change.max_duration", 30*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "vendcore")
	v.SetDefault("mqtt.topic_prefix", "vendcore")
	v.SetDefault("mqtt.buffer", 256)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "logs")
	v.SetDefault("log.file.filename", "vendcore.log")
	v.SetDefault("log.file.max_size", 10)
	v.SetDefault("log.file.max_age", 14)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.compress", true)
}

// DefaultPulses is the acceptor's pulse-count lookup: 1->1, 3->5, 6->10, 9->20.
func DefaultPulses() map[int]int {
	return map[int]int{1: 1, 3: 5, 6: 10, 9: 20}
}

// DefaultHoppers returns the 1/5/10 hopper bank.
func DefaultHoppers() []HopperConfig {
	return []HopperConfig{
		{Name: "hopper1", Denomination: 1, Relay: 1, ActuatorPin: 4, SensorPin: 8},
		{Name: "hopper5", Denomination: 5, Relay: 2, ActuatorPin: 5, SensorPin: 9},
		{Name: "hopper10", Denomination: 10, Relay: 3, ActuatorPin: 6, SensorPin: 10},
	}
}

// DefaultDispensers returns the short (A4) and long paper dispensers.
func DefaultDispensers() []DispenserConfig {
	return []DispenserConfig{
		{
			Name: "short", Aliases: []string{"a4"},
			StepperDir: 22, StepperPulse: 23, LimitPin: 24, PresencePin: 27,
			MotorIn1: 25, MotorIn2: 26, MotorEnable: 44,
			StepsPerSheet: 1900, StepDelay: 900 * time.Microsecond,
		},
		{
			Name: "long", Aliases: []string{"legal"},
			StepperDir: 28, StepperPulse: 29, LimitPin: 30, PresencePin: 33,
			MotorIn1: 31, MotorIn2: 32, MotorEnable: 45,
			StepsPerSheet: 2200, StepDelay: 500 * time.Microsecond,
		},
	}
}

func applyHopperDefaults(h *HopperConfig) {
	if h.Name == "" {
		h.Name = fmt.Sprintf("hopper%d", h.Denomination)
	}
	if h.PulseOn == 0 {
		h.PulseOn = time.Second
	}
	if h.Cool == 0 {
		h.Cool = 500 * time.Millisecond
	}
	if h.KickGap == 0 {
		h.KickGap = 50 * time.Millisecond
	}
	if h.Grace == 0 {
		h.Grace = 150 * time.Millisecond
	}
	if h.MaxGap == 0 {
		h.MaxGap = 3 * time.Second
	}
	if h.Debounce == 0 {
		h.Debounce = 10 * time.Millisecond
	}
}

func applyDispenserDefaults(d *DispenserConfig) {
	if d.StepsPerSheet == 0 {
		d.StepsPerSheet = 2000
	}
	if d.StepDelay == 0 {
		d.StepDelay = time.Millisecond
	}
	if d.StepsPerTick == 0 {
		d.StepsPerTick = 50
	}
	if d.HomingTimeout == 0 {
		d.HomingTimeout = 10 * time.Second
	}
	if d.RampDown == 0 {
		d.RampDown = 8 * time.Second
	}
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads configuration from path (YAML, TOML or JSON by extension),
// applies VENDCORE_* environment overrides and fills defaults.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.CoinSlot.Pulses) == 0 {
		cfg.CoinSlot.Pulses = DefaultPulses()
	}
	if len(cfg.Hoppers) == 0 {
		cfg.Hoppers = DefaultHoppers()
	}
	for i := range cfg.Hoppers {
		applyHopperDefaults(&cfg.Hoppers[i])
	}
	if len(cfg.Dispensers) == 0 {
		cfg.Dispensers = DefaultDispensers()
	}
	for i := range cfg.Dispensers {
		applyDispenserDefaults(&cfg.Dispensers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for contradictions that would make two
// components share a pin or leave a timing constant unusable.
func (c *Config) Validate() error {
	if c.Loop.Poll <= 0 {
		return fmt.Errorf("loop.poll must be positive")
	}
	if c.CoinSlot.Debounce <= 0 || c.CoinSlot.QuietWindow <= 0 {
		return fmt.Errorf("coinslot.debounce and coinslot.quiet_window must be positive")
	}
	for pulses, value := range c.CoinSlot.Pulses {
		if pulses <= 0 || value <= 0 {
			return fmt.Errorf("coinslot.pulses: invalid mapping %d -> %d", pulses, value)
		}
	}
	if c.Change.MaxDuration <= 0 {
		return fmt.Errorf("change.max_duration must be positive")
	}
	if len(c.Hoppers) == 0 {
		return fmt.Errorf("at least one hopper is required")
	}

	pins := newPinSet()
	if err := pins.claim(c.CoinSlot.Pin, "coinslot.pin"); err != nil {
		return err
	}

	names := make(map[string]bool)
	denoms := make(map[int]bool)
	relays := make(map[int]bool)
	for i, h := range c.Hoppers {
		key := strings.ToLower(h.Name)
		if names[key] {
			return fmt.Errorf("hoppers[%d]: duplicate name %q", i, h.Name)
		}
		names[key] = true
		if h.Denomination <= 0 {
			return fmt.Errorf("hoppers[%d]: denomination must be positive", i)
		}
		if denoms[h.Denomination] {
			return fmt.Errorf("hoppers[%d]: duplicate denomination %d", i, h.Denomination)
		}
		denoms[h.Denomination] = true
		if h.Relay != 0 {
			if relays[h.Relay] {
				return fmt.Errorf("hoppers[%d]: duplicate relay %d", i, h.Relay)
			}
			relays[h.Relay] = true
		}
		if h.PulseOn <= 0 || h.Cool <= 0 || h.MaxGap <= 0 || h.Debounce <= 0 {
			return fmt.Errorf("hoppers[%d]: timings must be positive", i)
		}
		if err := pins.claim(h.ActuatorPin, fmt.Sprintf("hoppers[%d].actuator_pin", i)); err != nil {
			return err
		}
		if err := pins.claim(h.SensorPin, fmt.Sprintf("hoppers[%d].sensor_pin", i)); err != nil {
			return err
		}
	}

	for i, d := range c.Dispensers {
		for _, n := range append([]string{d.Name}, d.Aliases...) {
			key := strings.ToLower(n)
			if key == "" {
				return fmt.Errorf("dispensers[%d]: empty name", i)
			}
			if names[key] {
				return fmt.Errorf("dispensers[%d]: duplicate name %q", i, n)
			}
			names[key] = true
		}
		if d.StepsPerSheet <= 0 || d.StepsPerTick <= 0 {
			return fmt.Errorf("dispensers[%d]: steps must be positive", i)
		}
		if d.HomingTimeout <= 0 || d.RampDown <= 0 || d.StepDelay <= 0 {
			return fmt.Errorf("dispensers[%d]: timings must be positive", i)
		}
		for field, pin := range map[string]int{
			"stepper_dir": d.StepperDir, "stepper_pulse": d.StepperPulse,
			"limit_pin": d.LimitPin, "motor_in1": d.MotorIn1,
			"motor_in2": d.MotorIn2, "motor_enable": d.MotorEnable,
		} {
			if err := pins.claim(pin, fmt.Sprintf("dispensers[%d].%s", i, field)); err != nil {
				return err
			}
		}
		if d.PresencePin != 0 {
			if err := pins.claim(d.PresencePin, fmt.Sprintf("dispensers[%d].presence_pin", i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Denominations returns the hopper denominations, largest first.
func (c *Config) Denominations() []int {
	out := make([]int, 0, len(c.Hoppers))
	for _, h := range c.Hoppers {
		out = append(out, h.Denomination)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

type pinSet map[int]string

func newPinSet() pinSet { return make(pinSet) }

func (p pinSet) claim(pin int, owner string) error {
	if pin < 0 {
		return fmt.Errorf("%s: pin %d is negative", owner, pin)
	}
	if prev, ok := p[pin]; ok {
		return fmt.Errorf("%s: pin %d already used by %s", owner, pin, prev)
	}
	p[pin] = owner
	return nil
}
