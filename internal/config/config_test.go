package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchFirmware(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.CoinSlot.Debounce)
	assert.Equal(t, 300*time.Millisecond, cfg.CoinSlot.QuietWindow)
	assert.Equal(t, map[int]int{1: 1, 3: 5, 6: 10, 9: 20}, cfg.CoinSlot.Pulses)
	assert.Equal(t, 30*time.Second, cfg.Change.MaxDuration)

	require.Len(t, cfg.Hoppers, 3)
	h := cfg.Hoppers[1]
	assert.Equal(t, "hopper5", h.Name)
	assert.Equal(t, 5, h.Denomination)
	assert.Equal(t, time.Second, h.PulseOn)
	assert.Equal(t, 500*time.Millisecond, h.Cool)
	assert.Equal(t, 150*time.Millisecond, h.Grace)
	assert.Equal(t, 3*time.Second, h.MaxGap)

	require.Len(t, cfg.Dispensers, 2)
	assert.Equal(t, 1900, cfg.Dispensers[0].StepsPerSheet)
	assert.Equal(t, 2200, cfg.Dispensers[1].StepsPerSheet)
	assert.Equal(t, 10*time.Second, cfg.Dispensers[0].HomingTimeout)
	assert.Equal(t, 8*time.Second, cfg.Dispensers[0].RampDown)

	assert.Equal(t, []int{10, 5, 1}, cfg.Denominations())
}

func TestLoadFileOverridesAndFillsHopperDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vendcore.yaml")
	yaml := `
link:
  port: stdio
coinslot:
  quiet_window: 250ms
  pulses:
    "2": 1
    "4": 5
hoppers:
  - name: coins-a
    denomination: 2
    actuator_pin: 4
    sensor_pin: 8
    max_gap: 5s
http:
  addr: ""
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Link.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.CoinSlot.QuietWindow)
	assert.Equal(t, map[int]int{2: 1, 4: 5}, cfg.CoinSlot.Pulses)
	require.Len(t, cfg.Hoppers, 1)
	assert.Equal(t, 5*time.Second, cfg.Hoppers[0].MaxGap)
	assert.Equal(t, time.Second, cfg.Hoppers[0].PulseOn)
	assert.Equal(t, "", cfg.HTTP.Addr)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VENDCORE_LINK_PORT", "/dev/ttyUSB3")
	t.Setenv("VENDCORE_MQTT_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Link.Port)
	assert.True(t, cfg.MQTT.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsSharedPin(t *testing.T) {
	cfg := Default()
	cfg.Hoppers[1].SensorPin = cfg.Hoppers[0].ActuatorPin
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestValidateRejectsDuplicateDenomination(t *testing.T) {
	cfg := Default()
	cfg.Hoppers[2].Denomination = 5
	assert.ErrorContains(t, cfg.Validate(), "duplicate denomination")
}

func TestValidateRejectsNameClashAcrossKinds(t *testing.T) {
	cfg := Default()
	cfg.Dispensers[0].Aliases = []string{"HOPPER1"}
	assert.ErrorContains(t, cfg.Validate(), "duplicate name")
}

func TestValidateRejectsZeroPulseValue(t *testing.T) {
	cfg := Default()
	cfg.CoinSlot.Pulses[4] = 0
	assert.Error(t, cfg.Validate())
}
