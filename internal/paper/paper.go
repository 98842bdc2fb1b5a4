// Package paper drives one sheet-paper dispenser: a DC feed motor homes the
// stack against a limit switch, a stepper feeds each sheet, and the motor is
// reversed for a while after the run to clear the mechanism.
package paper

import (
	"time"

	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/config"
	vcerrors "github.com/kioskworks/vendcore/internal/errors"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/protocol"
)

// State is the dispenser operating mode.
type State int

const (
	Idle State = iota
	Homing
	Feeding
	RampingDown
	Complete
	Fault
)

// String returns the status name reported to the host.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Homing:
		return "homing"
	case Feeding:
		return "in_progress"
	case RampingDown:
		return "ramping_down"
	case Complete:
		return "complete"
	case Fault:
		return "error"
	}
	return "unknown"
}

// Hardware is the set of lines one dispenser owns. Presence may be nil.
type Hardware struct {
	StepperDir   gpio.OutputPin
	StepperPulse gpio.OutputPin
	MotorIn1     gpio.OutputPin
	MotorIn2     gpio.OutputPin
	MotorEnable  gpio.OutputPin
	Limit        gpio.InputPin
	Presence     gpio.InputPin
}

// Dispenser is the state machine of one paper dispenser.
type Dispenser struct {
	cfg      config.DispenserConfig
	motor    motor
	stepper  stepper
	limit    gpio.InputPin
	presence gpio.InputPin

	state         State
	dispensing    bool
	stopRequested bool
	rehoming      bool
	target        int
	current       int
	sheetSteps    int
	stepsPerSheet int
	homingStart   time.Time
	rampStart     time.Time

	statusInterval time.Duration
	lastStatus     time.Time

	out *protocol.Outbox
	log *zap.Logger
}

// New creates an idle dispenser with its motor stopped.
func New(cfg config.DispenserConfig, hw Hardware, statusInterval time.Duration, log *zap.Logger) *Dispenser {
	d := &Dispenser{
		cfg:   cfg,
		motor: motor{in1: hw.MotorIn1, in2: hw.MotorIn2, enable: hw.MotorEnable},
		stepper: stepper{
			dir:   hw.StepperDir,
			pulse: hw.StepperPulse,
			delay: cfg.StepDelay,
			sleep: time.Sleep,
		},
		limit:          hw.Limit,
		presence:       hw.Presence,
		stepsPerSheet:  cfg.StepsPerSheet,
		statusInterval: statusInterval,
		log:            logger.OrNop(log).With(zap.String("dispenser", cfg.Name)),
	}
	d.out = protocol.NewOutbox(protocol.TargetPaper, func() any { return d.Status() })
	_ = d.drive(motorStopped)
	return d
}

// Dispense starts feeding n sheets. It is accepted from Idle, Complete and
// Fault; a new run is how a faulted dispenser recovers.
func (d *Dispenser) Dispense(n int, now time.Time) error {
	if n <= 0 {
		return vcerrors.New(vcerrors.CodeInvalidParameter, "number of sheets must be greater than zero")
	}
	if d.Active() {
		return vcerrors.Busy(d.cfg.Name)
	}

	d.target = n
	d.current = 0
	d.sheetSteps = 0
	d.dispensing = true
	d.stopRequested = false
	d.rehoming = false
	d.lastStatus = now
	if err := d.startHoming(now); err != nil {
		d.fail(vcerrors.CodeHardwareFault, err.Error())
		return vcerrors.New(vcerrors.CodeHardwareFault, err.Error())
	}

	d.log.Info("dispense started", zap.Int("sheets", n))
	d.out.MarkStatus()
	return nil
}

// Stop asks a running dispense to finish after the current sheet. The
// ramp-down still runs. Stopping an idle dispenser is a no-op.
func (d *Dispenser) Stop() {
	if !d.dispensing || d.stopRequested {
		return
	}
	if d.state != Homing && d.state != Feeding {
		return
	}
	d.stopRequested = true
	d.log.Info("stop requested", zap.Int("current", d.current), zap.Int("total", d.target))
	d.out.MarkStatus()
}

// Reset stops the motor and returns to Idle from any state.
func (d *Dispenser) Reset() {
	_ = d.drive(motorStopped)
	d.state = Idle
	d.dispensing = false
	d.stopRequested = false
	d.sheetSteps = 0
	d.out.MarkStatus()
}

// SetStepperSteps changes the steps fed per sheet.
func (d *Dispenser) SetStepperSteps(n int) error {
	if n <= 0 {
		return vcerrors.New(vcerrors.CodeInvalidParameter, "steps must be greater than zero")
	}
	if d.Active() {
		return vcerrors.Busy(d.cfg.Name)
	}
	d.stepsPerSheet = n
	d.out.MarkStatus()
	return nil
}

// PaperPresent reads the presence sensor. It never changes dispenser state.
func (d *Dispenser) PaperPresent() (bool, error) {
	if d.presence == nil {
		return false, vcerrors.Newf(vcerrors.CodeInvalidRequest, "%s has no paper sensor", d.cfg.Name)
	}
	return d.presence.Read()
}

// Update advances the state machine by at most one feed chunk.
func (d *Dispenser) Update(now time.Time) {
	switch d.state {
	case Homing:
		d.updateHoming(now)
	case Feeding:
		d.updateFeeding(now)
	case RampingDown:
		if now.Sub(d.rampStart) >= d.cfg.RampDown {
			if err := d.drive(motorStopped); err != nil {
				d.fail(vcerrors.CodeHardwareFault, err.Error())
				break
			}
			d.state = Complete
			d.log.Info("dispense complete", zap.Int("total", d.current))
			d.out.Event(protocol.PaperEvent{
				Name:  d.cfg.Name,
				Event: protocol.EventDispenseComplete,
				Total: d.current,
			})
			d.out.MarkStatus()
		}
	case Complete:
		d.dispensing = false
		d.stopRequested = false
		d.state = Idle
		d.out.MarkStatus()
	}

	if d.Active() && d.statusInterval > 0 && now.Sub(d.lastStatus) >= d.statusInterval {
		d.lastStatus = now
		d.out.MarkStatus()
	}
}

func (d *Dispenser) updateHoming(now time.Time) {
	if d.limitPressed() {
		if err := d.drive(motorStopped); err != nil {
			d.fail(vcerrors.CodeHardwareFault, err.Error())
			return
		}
		if d.dispensing {
			d.state = Feeding
		} else {
			d.state = Idle
		}
		d.log.Debug("homed", zap.Stringer("next", d.state))
		return
	}
	if now.Sub(d.homingStart) < d.cfg.HomingTimeout {
		return
	}

	code := vcerrors.CodePaperOut
	if d.rehoming {
		code = vcerrors.CodePaperOutDuringCycle
	}
	d.fail(code, "limit switch not reached")
}

func (d *Dispenser) updateFeeding(now time.Time) {
	if d.sheetSteps == 0 {
		if d.current >= d.target || d.stopRequested {
			if err := d.drive(motorReverse); err != nil {
				d.fail(vcerrors.CodeHardwareFault, err.Error())
				return
			}
			d.state = RampingDown
			d.rampStart = now
			d.log.Debug("ramping down", zap.Int("current", d.current))
			d.out.MarkStatus()
			return
		}
		if !d.limitPressed() {
			d.rehoming = true
			if err := d.startHoming(now); err != nil {
				d.fail(vcerrors.CodeHardwareFault, err.Error())
			}
			return
		}
	}

	n := d.cfg.StepsPerTick
	if rest := d.stepsPerSheet - d.sheetSteps; n > rest {
		n = rest
	}
	if err := d.stepper.step(n, true); err != nil {
		d.log.Error("stepper failed", zap.Error(err))
		d.fail(vcerrors.CodeHardwareFault, err.Error())
		return
	}
	d.sheetSteps += n
	if d.sheetSteps >= d.stepsPerSheet {
		d.sheetSteps = 0
		d.current++
		d.log.Debug("sheet fed", zap.Int("current", d.current), zap.Int("total", d.target))
		d.out.MarkStatus()
	}
}

func (d *Dispenser) startHoming(now time.Time) error {
	if err := d.drive(motorForward); err != nil {
		return err
	}
	d.state = Homing
	d.homingStart = now
	return nil
}

func (d *Dispenser) fail(code vcerrors.Code, details string) {
	_ = d.drive(motorStopped)
	d.state = Fault
	d.dispensing = false
	d.stopRequested = false
	d.sheetSteps = 0
	d.log.Warn("dispenser fault", zap.String("error", string(code)), zap.Int("current", d.current), zap.Int("total", d.target))
	d.out.Error(protocol.PaperError{
		Name:    d.cfg.Name,
		Error:   string(code),
		Details: details,
		Current: d.current,
		Total:   d.target,
	})
	d.out.MarkStatus()
}

func (d *Dispenser) limitPressed() bool {
	v, err := d.limit.Read()
	if err != nil {
		d.log.Warn("limit switch read failed", zap.Error(err))
		return false
	}
	return v
}

// drive sets the feed motor direction. A write failure is logged and
// returned; callers mid-run turn it into a hardware fault.
func (d *Dispenser) drive(dir motorDir) error {
	err := d.motor.drive(dir)
	if err != nil {
		d.log.Error("motor write failed", zap.Stringer("dir", dir), zap.Error(err))
	}
	return err
}

// Active reports whether a run is homing, feeding or ramping down.
func (d *Dispenser) Active() bool {
	return d.state == Homing || d.state == Feeding || d.state == RampingDown
}

// State returns the current operating mode.
func (d *Dispenser) State() State { return d.state }

// Current returns the sheets fed by the current or last run.
func (d *Dispenser) Current() int { return d.current }

// Name returns the configured instance name.
func (d *Dispenser) Name() string { return d.cfg.Name }

// Aliases returns the alternative instance names.
func (d *Dispenser) Aliases() []string { return d.cfg.Aliases }

// Status returns the current snapshot.
func (d *Dispenser) Status() protocol.PaperStatus {
	s := protocol.PaperStatus{
		Name:          d.cfg.Name,
		Status:        d.state.String(),
		Current:       d.current,
		StepsPerSheet: d.stepsPerSheet,
	}
	if d.dispensing || d.state == Fault {
		s.Total = d.target
	}
	if d.presence != nil {
		if ok, err := d.presence.Read(); err == nil {
			s.PaperPresent = ok
		}
	}
	return s
}

// Outbox returns the pending outbound messages.
func (d *Dispenser) Outbox() *protocol.Outbox { return d.out }
