package paper

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskworks/vendcore/internal/config"
	vcerrors "github.com/kioskworks/vendcore/internal/errors"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/protocol"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const tick = 10 * time.Millisecond

func testConfig() config.DispenserConfig {
	return config.DispenserConfig{
		Name:          "short",
		Aliases:       []string{"a4"},
		StepsPerSheet: 100,
		StepDelay:     time.Microsecond,
		StepsPerTick:  50,
		HomingTimeout: 10 * time.Second,
		RampDown:      8 * time.Second,
	}
}

type rig struct {
	d        *Dispenser
	dir      *gpio.FakeOutput
	pulse    *gpio.FakeOutput
	in1      *gpio.FakeOutput
	in2      *gpio.FakeOutput
	enable   *gpio.FakeOutput
	limit    *gpio.FakeInput
	presence *gpio.FakeInput

	now  time.Duration
	msgs []protocol.Message
}

func newRig() *rig {
	r := &rig{
		dir:      gpio.NewFakeOutput(),
		pulse:    gpio.NewFakeOutput(),
		in1:      gpio.NewFakeOutput(),
		in2:      gpio.NewFakeOutput(),
		enable:   gpio.NewFakeOutput(),
		limit:    gpio.NewFakeInput(),
		presence: gpio.NewFakeInput(),
	}
	r.d = New(testConfig(), Hardware{
		StepperDir:   r.dir,
		StepperPulse: r.pulse,
		MotorIn1:     r.in1,
		MotorIn2:     r.in2,
		MotorEnable:  r.enable,
		Limit:        r.limit,
		Presence:     r.presence,
	}, time.Second, nil)
	r.d.stepper.sleep = func(time.Duration) {}
	return r
}

func (r *rig) at() time.Time { return t0.Add(r.now) }

// step advances the clock by one tick and runs one update.
func (r *rig) step() {
	r.now += tick
	r.d.Update(r.at())
	r.msgs = r.d.Outbox().Drain(r.msgs, int64(r.now/time.Millisecond))
}

// runUntil steps until cond holds or limit elapses.
func (r *rig) runUntil(limit time.Duration, cond func() bool) {
	end := r.now + limit
	for r.now < end && !cond() {
		r.step()
	}
}

func (r *rig) motor() motorDir {
	switch {
	case r.in1.Active() && !r.in2.Active() && r.enable.Active():
		return motorForward
	case !r.in1.Active() && r.in2.Active() && r.enable.Active():
		return motorReverse
	}
	return motorStopped
}

func (r *rig) events() []protocol.PaperEvent {
	var out []protocol.PaperEvent
	for _, m := range r.msgs {
		if e, ok := m.Data.(protocol.PaperEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *rig) errors() []protocol.PaperError {
	var out []protocol.PaperError
	for _, m := range r.msgs {
		if e, ok := m.Data.(protocol.PaperError); ok {
			out = append(out, e)
		}
	}
	return out
}

func TestDispenseCompletes(t *testing.T) {
	r := newRig()
	r.limit.Set(true)

	require.NoError(t, r.d.Dispense(3, r.at()))
	assert.Equal(t, Homing, r.d.State())
	assert.Equal(t, motorForward, r.motor())

	r.step()
	assert.Equal(t, Feeding, r.d.State())
	assert.Equal(t, motorStopped, r.motor())

	r.runUntil(time.Second, func() bool { return r.d.State() == RampingDown })
	require.Equal(t, RampingDown, r.d.State())
	assert.Equal(t, 3, r.d.Current())
	assert.Equal(t, motorReverse, r.motor())
	assert.Equal(t, 300, r.pulse.Pulses())

	r.runUntil(9*time.Second, func() bool { return r.d.State() == Idle })
	assert.Equal(t, Idle, r.d.State())
	assert.Equal(t, motorStopped, r.motor())
	assert.Equal(t, 3, r.d.Current())

	evs := r.events()
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.PaperEvent{Name: "short", Event: "dispense_complete", Total: 3}, evs[0])
	assert.Empty(t, r.errors())

	r.runUntil(time.Second, func() bool { return false })
	assert.Len(t, r.events(), 1, "complete is reported once")
}

func TestFeedIsChunked(t *testing.T) {
	r := newRig()
	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(1, r.at()))

	r.step() // homed
	r.step()
	assert.Equal(t, 50, r.pulse.Pulses())
	assert.Equal(t, 0, r.d.Current())
	r.step()
	assert.Equal(t, 100, r.pulse.Pulses())
	assert.Equal(t, 1, r.d.Current())
}

func TestRampDownDuration(t *testing.T) {
	r := newRig()
	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(1, r.at()))
	r.runUntil(time.Second, func() bool { return r.d.State() == RampingDown })
	start := r.now

	r.runUntil(20*time.Second, func() bool { return r.d.State() != RampingDown })
	assert.Equal(t, 8*time.Second, r.now-start)
	assert.Equal(t, Complete, r.d.State())
}

func TestNoLimitFaultsWithPaperOut(t *testing.T) {
	r := newRig()
	require.NoError(t, r.d.Dispense(2, r.at()))

	r.runUntil(11*time.Second, func() bool { return r.d.State() == Fault })
	require.Equal(t, Fault, r.d.State())
	assert.LessOrEqual(t, r.now, 10*time.Second)
	assert.Equal(t, motorStopped, r.motor())
	assert.Equal(t, 0, r.d.Current())

	errs := r.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "paper_out", errs[0].Error)
	assert.Equal(t, 0, errs[0].Current)
	assert.Equal(t, 2, errs[0].Total)
	assert.Empty(t, r.events())
}

func TestLimitReleasedMidCycle(t *testing.T) {
	r := newRig()
	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(3, r.at()))

	r.runUntil(time.Second, func() bool { return r.d.Current() == 1 })
	r.limit.Set(false)

	r.step()
	assert.Equal(t, Homing, r.d.State(), "released limit re-homes before the next sheet")
	assert.Equal(t, motorForward, r.motor())

	r.runUntil(11*time.Second, func() bool { return r.d.State() == Fault })
	errs := r.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "paper_out_during_cycle", errs[0].Error)
	assert.Equal(t, 1, errs[0].Current)
}

func TestRehomeThenContinue(t *testing.T) {
	r := newRig()
	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(2, r.at()))

	r.runUntil(time.Second, func() bool { return r.d.Current() == 1 })
	r.limit.Set(false)
	r.step()
	require.Equal(t, Homing, r.d.State())

	r.runUntil(2*time.Second, func() bool { return false })
	r.limit.Set(true)
	r.runUntil(20*time.Second, func() bool { return r.d.State() == Idle })

	assert.Equal(t, 2, r.d.Current())
	assert.Len(t, r.events(), 1)
	assert.Empty(t, r.errors())
}

func TestStopAfterCurrentSheet(t *testing.T) {
	r := newRig()
	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(5, r.at()))

	r.step() // homed
	r.step() // half of sheet 1
	r.d.Stop()
	r.d.Stop()

	r.runUntil(20*time.Second, func() bool { return r.d.State() == Idle })
	assert.Equal(t, 1, r.d.Current())
	evs := r.events()
	require.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].Total)
}

func TestStopIdleIsNoop(t *testing.T) {
	r := newRig()
	r.d.Stop()
	assert.Equal(t, Idle, r.d.State())
	assert.Empty(t, r.d.Outbox().Drain(nil, 0))
}

func TestDispenseRejections(t *testing.T) {
	r := newRig()

	err := r.d.Dispense(0, r.at())
	assert.True(t, vcerrors.IsCode(err, vcerrors.CodeInvalidParameter))
	assert.Equal(t, Idle, r.d.State())

	require.NoError(t, r.d.Dispense(1, r.at()))
	err = r.d.Dispense(1, r.at())
	assert.True(t, vcerrors.IsCode(err, vcerrors.CodeBusy))

	err = r.d.SetStepperSteps(500)
	assert.True(t, vcerrors.IsCode(err, vcerrors.CodeBusy))
}

func TestFaultRecoversOnNewDispense(t *testing.T) {
	r := newRig()
	require.NoError(t, r.d.Dispense(1, r.at()))
	r.runUntil(11*time.Second, func() bool { return r.d.State() == Fault })
	require.Equal(t, Fault, r.d.State())

	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(1, r.at()))
	r.runUntil(20*time.Second, func() bool { return r.d.State() == Idle })
	assert.Equal(t, 1, r.d.Current())
}

func TestSetStepperSteps(t *testing.T) {
	r := newRig()
	assert.True(t, vcerrors.IsCode(r.d.SetStepperSteps(0), vcerrors.CodeInvalidParameter))

	require.NoError(t, r.d.SetStepperSteps(150))
	assert.Equal(t, 150, r.d.Status().StepsPerSheet)

	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(1, r.at()))
	r.runUntil(time.Second, func() bool { return r.d.State() == RampingDown })
	assert.Equal(t, 150, r.pulse.Pulses())
}

func TestPaperPresent(t *testing.T) {
	r := newRig()
	r.presence.Set(true)

	ok, err := r.d.PaperPresent()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, r.d.Status().PaperPresent)
	assert.Equal(t, Idle, r.d.State())

	r.presence.ReadError = errors.New("bus error")
	_, err = r.d.PaperPresent()
	assert.Error(t, err)

	d := New(testConfig(), Hardware{
		StepperDir: gpio.NewFakeOutput(), StepperPulse: gpio.NewFakeOutput(),
		MotorIn1: gpio.NewFakeOutput(), MotorIn2: gpio.NewFakeOutput(), MotorEnable: gpio.NewFakeOutput(),
		Limit: gpio.NewFakeInput(),
	}, 0, nil)
	_, err = d.PaperPresent()
	assert.True(t, vcerrors.IsCode(err, vcerrors.CodeInvalidRequest))
}

func TestStepperFailureFaults(t *testing.T) {
	r := newRig()
	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(1, r.at()))
	r.step()

	r.pulse.WriteError = errors.New("line gone")
	r.step()

	assert.Equal(t, Fault, r.d.State())
	errs := r.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "hardware_fault", errs[0].Error)
}

func TestMotorFailureAtStartFaults(t *testing.T) {
	r := newRig()
	r.enable.WriteError = errors.New("line gone")

	err := r.d.Dispense(1, r.at())
	assert.True(t, vcerrors.IsCode(err, vcerrors.CodeHardwareFault))
	assert.Equal(t, Fault, r.d.State())

	r.runUntil(11*time.Second, func() bool { return false })
	errs := r.errors()
	require.Len(t, errs, 1, "a dead motor must not later read as an empty tray")
	assert.Equal(t, "hardware_fault", errs[0].Error)
	assert.Equal(t, Fault, r.d.State())
}

func TestMotorFailureAtRampDownFaults(t *testing.T) {
	r := newRig()
	r.limit.Set(true)
	require.NoError(t, r.d.Dispense(1, r.at()))
	r.step()
	require.Equal(t, Feeding, r.d.State())

	r.in2.WriteError = errors.New("line gone")
	r.runUntil(time.Second, func() bool { return r.d.State() != Feeding })

	assert.Equal(t, Fault, r.d.State())
	assert.Equal(t, 1, r.d.Current())
	errs := r.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "hardware_fault", errs[0].Error)
	assert.Empty(t, r.events())
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		Idle: "idle", Homing: "homing", Feeding: "in_progress",
		RampingDown: "ramping_down", Complete: "complete", Fault: "error",
	}
	for s, name := range want {
		assert.Equal(t, name, s.String())
	}
}
