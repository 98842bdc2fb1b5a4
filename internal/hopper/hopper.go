// Package hopper drives one coin hopper: the actuator is energized in timed
// pulses and the coin-out sensor is counted until the target is reached or
// the watchdog fires.
package hopper

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/config"
	vcerrors "github.com/kioskworks/vendcore/internal/errors"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/protocol"
)

const (
	statusDispensing = "dispensing"
	statusIdle       = "idle"
)

// Payout is the payout controller of one denomination.
type Payout struct {
	cfg      config.HopperConfig
	actuator gpio.OutputPin
	sensor   gpio.InputPin
	deb      debouncer

	target     int
	count      int
	busy       bool
	pulsing    bool
	actuatorOn bool
	lastCoin   time.Time
	pulseStart time.Time
	coolStart  time.Time

	statusInterval time.Duration
	lastStatus     time.Time

	out *protocol.Outbox
	log *zap.Logger
}

// New creates an idle payout controller. The actuator is driven inactive.
func New(cfg config.HopperConfig, actuator gpio.OutputPin, sensor gpio.InputPin, statusInterval time.Duration, log *zap.Logger) *Payout {
	p := &Payout{
		cfg:            cfg,
		actuator:       actuator,
		sensor:         sensor,
		deb:            debouncer{delay: cfg.Debounce},
		statusInterval: statusInterval,
		log:            logger.OrNop(log).With(zap.String("hopper", cfg.Name), zap.Int("denomination", cfg.Denomination)),
	}
	p.out = protocol.NewOutbox(protocol.TargetHopper, func() any { return p.Status() })
	p.setActuator(false)
	return p
}

// Start begins paying out n coins.
func (p *Payout) Start(n int, now time.Time) error {
	if p.busy {
		return vcerrors.Busy(p.cfg.Name)
	}
	if n <= 0 {
		return vcerrors.Newf(vcerrors.CodeInvalidAmount, "%d coins", n)
	}

	p.settle(now)
	p.target = n
	p.count = 0
	p.busy = true
	p.lastCoin = now
	p.lastStatus = now

	p.setActuator(true)
	p.pulsing = true
	p.pulseStart = now

	p.log.Info("payout started", zap.Int("target", n))
	p.out.MarkStatus()
	return nil
}

// Stop de-energizes the actuator and abandons the payout without an event.
// Stopping an idle hopper is a no-op.
func (p *Payout) Stop() {
	if !p.busy && !p.actuatorOn {
		return
	}
	wasBusy := p.busy
	p.halt()
	if wasBusy {
		p.log.Info("payout stopped", zap.Int("count", p.count), zap.Int("target", p.target))
	}
	p.out.MarkStatus()
}

// Reset clears every counter and re-settles the sensor at its current level
// so a stale transition is not counted by the next payout.
func (p *Payout) Reset(now time.Time) {
	p.halt()
	p.count = 0
	p.target = 0
	p.lastCoin = time.Time{}
	p.settle(now)
	p.out.MarkStatus()
}

// SetRelay drives the actuator manually. It is rejected while paying out.
func (p *Payout) SetRelay(on bool) error {
	if p.busy {
		return vcerrors.Busy(p.cfg.Name)
	}
	p.setActuator(on)
	p.out.MarkStatus()
	return nil
}

// Update advances the pulse cycle, counts coins and runs the watchdog.
func (p *Payout) Update(now time.Time) {
	if !p.busy {
		return
	}

	if p.pulsing {
		if now.Sub(p.pulseStart) >= p.cfg.PulseOn {
			p.setActuator(false)
			p.pulsing = false
			p.coolStart = now
		}
	} else if now.Sub(p.coolStart) >= p.cfg.Cool && now.Sub(p.lastCoin) >= p.cfg.KickGap {
		p.setActuator(true)
		p.pulsing = true
		p.pulseStart = now
	}

	level, err := p.sensor.Read()
	if err != nil {
		p.log.Warn("sensor read failed", zap.Error(err))
	} else if p.deb.sample(level, now) && now.Sub(p.pulseStart) > p.cfg.Grace {
		p.count++
		p.lastCoin = now
		p.log.Debug("coin out", zap.Int("count", p.count), zap.Int("target", p.target))
		p.out.Event(p.event(protocol.EventCoinOut))

		if p.count >= p.target {
			p.halt()
			p.log.Info("payout done", zap.Int("count", p.count))
			p.out.Event(p.event(protocol.EventTargetReached))
			p.out.MarkStatus()
			return
		}
	}

	if now.Sub(p.lastCoin) >= p.cfg.MaxGap {
		p.halt()
		p.log.Warn("payout timed out", zap.Int("count", p.count), zap.Int("target", p.target))
		p.out.Error(protocol.HopperError{
			Name:         p.cfg.Name,
			Denomination: p.cfg.Denomination,
			Error:        string(vcerrors.CodeTimeout),
			Final:        p.count,
			Target:       p.target,
		})
		p.out.MarkStatus()
		return
	}

	if p.statusInterval > 0 && now.Sub(p.lastStatus) >= p.statusInterval {
		p.lastStatus = now
		p.out.MarkStatus()
	}
}

func (p *Payout) halt() {
	p.setActuator(false)
	p.busy = false
	p.pulsing = false
}

func (p *Payout) settle(now time.Time) {
	level, err := p.sensor.Read()
	if err != nil {
		p.log.Warn("sensor read failed", zap.Error(err))
	}
	p.deb.settle(level, now)
}

func (p *Payout) setActuator(on bool) {
	if err := p.actuator.Set(on); err != nil {
		p.log.Error("actuator write failed", zap.Bool("on", on), zap.Error(err))
		return
	}
	p.actuatorOn = on
}

func (p *Payout) event(name string) protocol.HopperEvent {
	return protocol.HopperEvent{
		Name:         p.cfg.Name,
		Denomination: p.cfg.Denomination,
		Event:        name,
		Count:        p.count,
		Target:       p.target,
	}
}

// Busy reports whether a payout is in progress.
func (p *Payout) Busy() bool { return p.busy }

// Count returns the coins counted by the current or last payout.
func (p *Payout) Count() int { return p.count }

// Target returns the target of the current or last payout.
func (p *Payout) Target() int { return p.target }

// Denomination returns the coin value this hopper pays.
func (p *Payout) Denomination() int { return p.cfg.Denomination }

// Name returns the configured instance name.
func (p *Payout) Name() string { return p.cfg.Name }

// Key returns the denomination as an instance key ("5").
func (p *Payout) Key() string { return strconv.Itoa(p.cfg.Denomination) }

// Relay returns the relay number mapped to this hopper, or 0.
func (p *Payout) Relay() int { return p.cfg.Relay }

// RelayOn reports whether the actuator is energized.
func (p *Payout) RelayOn() bool { return p.actuatorOn }

// Status returns the current snapshot.
func (p *Payout) Status() protocol.HopperStatus {
	s := protocol.HopperStatus{
		Name:         p.cfg.Name,
		Denomination: p.cfg.Denomination,
		Status:       statusIdle,
		Count:        p.count,
		Relay:        p.actuatorOn,
	}
	if p.busy {
		s.Status = statusDispensing
		s.Target = p.target
	}
	return s
}

// Outbox returns the pending outbound messages.
func (p *Payout) Outbox() *protocol.Outbox { return p.out }
