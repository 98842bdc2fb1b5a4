// Package machine assembles the vending components from configuration and
// drives them from the single polling loop. It owns every component
// instance; nothing outside this package holds a component reference.
package machine

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/change"
	"github.com/kioskworks/vendcore/internal/coinslot"
	"github.com/kioskworks/vendcore/internal/config"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/hopper"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/paper"
	"github.com/kioskworks/vendcore/internal/protocol"
)

// key identifies one instance in the dispatch table.
type key struct {
	target protocol.Target
	name   string
}

// Machine is the top-level assembly.
type Machine struct {
	bootID string
	boot   time.Time
	now    time.Time

	coin       *coinslot.Classifier
	hoppers    []*hopper.Payout
	change     *change.Coordinator
	dispensers []*paper.Dispenser

	hopperByName    map[key]*hopper.Payout
	dispenserByName map[key]*paper.Dispenser
	hopperByRelay   map[int]*hopper.Payout

	system *protocol.Outbox
	log    *zap.Logger
}

// New requests every pin from pins, builds the components and attaches the
// coin slot. bootID identifies this process run in status messages.
func New(cfg *config.Config, pins gpio.Pins, bootID string, boot time.Time, log *zap.Logger) (*Machine, error) {
	log = logger.OrNop(log)
	m := &Machine{
		bootID:          bootID,
		boot:            boot,
		now:             boot,
		hopperByName:    make(map[key]*hopper.Payout),
		dispenserByName: make(map[key]*paper.Dispenser),
		hopperByRelay:   make(map[int]*hopper.Payout),
		log:             log,
	}
	interval := cfg.Loop.StatusInterval

	edge, err := pins.Edge(cfg.CoinSlot.Pin)
	if err != nil {
		return nil, fmt.Errorf("coin slot: %w", err)
	}
	m.coin = coinslot.New(cfg.CoinSlot, edge, log.Named("coinslot"))

	changeHoppers := make([]change.Hopper, 0, len(cfg.Hoppers))
	for _, hc := range cfg.Hoppers {
		actuator, err := pins.Output(hc.ActuatorPin, hc.ActiveLow)
		if err != nil {
			return nil, fmt.Errorf("hopper %s actuator: %w", hc.Name, err)
		}
		sensor, err := pins.Input(hc.SensorPin, hc.SensorActiveLow)
		if err != nil {
			return nil, fmt.Errorf("hopper %s sensor: %w", hc.Name, err)
		}
		h := hopper.New(hc, actuator, sensor, interval, log.Named("hopper"))
		m.hoppers = append(m.hoppers, h)
		changeHoppers = append(changeHoppers, h)
		m.hopperByName[key{protocol.TargetHopper, strings.ToLower(h.Name())}] = h
		m.hopperByName[key{protocol.TargetHopper, h.Key()}] = h
		if hc.Relay != 0 {
			m.hopperByRelay[hc.Relay] = h
		}
	}
	m.change = change.New(changeHoppers, cfg.Change, interval, log.Named("change"))

	for _, dc := range cfg.Dispensers {
		hw, err := requestDispenser(pins, dc)
		if err != nil {
			return nil, err
		}
		d := paper.New(dc, hw, interval, log.Named("paper"))
		m.dispensers = append(m.dispensers, d)
		for _, n := range append([]string{dc.Name}, dc.Aliases...) {
			m.dispenserByName[key{protocol.TargetPaper, strings.ToLower(n)}] = d
		}
	}

	m.system = protocol.NewOutbox(protocol.TargetSystem, func() any { return m.Snapshot() })

	if err := m.coin.Attach(); err != nil {
		return nil, fmt.Errorf("attach coin slot: %w", err)
	}
	m.coin.Outbox().Clear()

	m.system.Event(protocol.SystemEvent{Event: protocol.EventStartup, BootID: bootID})
	m.system.MarkStatus()
	log.Info("machine assembled",
		zap.Int("hoppers", len(m.hoppers)),
		zap.Int("dispensers", len(m.dispensers)),
		zap.String("boot_id", bootID))
	return m, nil
}

func requestDispenser(pins gpio.Pins, dc config.DispenserConfig) (paper.Hardware, error) {
	var hw paper.Hardware
	outputs := []struct {
		pin  int
		name string
		dst  *gpio.OutputPin
	}{
		{dc.StepperDir, "stepper dir", &hw.StepperDir},
		{dc.StepperPulse, "stepper pulse", &hw.StepperPulse},
		{dc.MotorIn1, "motor in1", &hw.MotorIn1},
		{dc.MotorIn2, "motor in2", &hw.MotorIn2},
		{dc.MotorEnable, "motor enable", &hw.MotorEnable},
	}
	for _, o := range outputs {
		p, err := pins.Output(o.pin, false)
		if err != nil {
			return hw, fmt.Errorf("dispenser %s %s: %w", dc.Name, o.name, err)
		}
		*o.dst = p
	}
	limit, err := pins.Input(dc.LimitPin, false)
	if err != nil {
		return hw, fmt.Errorf("dispenser %s limit: %w", dc.Name, err)
	}
	hw.Limit = limit
	if dc.PresencePin != 0 {
		presence, err := pins.Input(dc.PresencePin, false)
		if err != nil {
			return hw, fmt.Errorf("dispenser %s presence: %w", dc.Name, err)
		}
		hw.Presence = presence
	}
	return hw, nil
}

// Step runs one loop iteration: every component is updated, the change
// coordinator after the hoppers, and all pending messages are drained.
func (m *Machine) Step(now time.Time) []protocol.Message {
	m.now = now
	m.coin.Update(now)
	for _, h := range m.hoppers {
		h.Update(now)
	}
	m.change.Update(now)
	for _, d := range m.dispensers {
		d.Update(now)
	}
	return m.drain(nil)
}

func (m *Machine) drain(dst []protocol.Message) []protocol.Message {
	ts := m.ts()
	dst = m.coin.Outbox().Drain(dst, ts)
	for _, h := range m.hoppers {
		dst = h.Outbox().Drain(dst, ts)
	}
	dst = m.change.Outbox().Drain(dst, ts)
	for _, d := range m.dispensers {
		dst = d.Outbox().Drain(dst, ts)
	}
	return m.system.Drain(dst, ts)
}

func (m *Machine) ts() int64 {
	return m.now.Sub(m.boot).Milliseconds()
}

// StopAll stops every actuator: the change plan, every hopper, and every
// dispenser after its current sheet. It reports whether anything was running.
func (m *Machine) StopAll() bool {
	running := m.change.Active()
	for _, h := range m.hoppers {
		running = running || h.Busy() || h.RelayOn()
	}
	for _, d := range m.dispensers {
		running = running || d.Active()
	}

	m.change.Stop()
	for _, h := range m.hoppers {
		h.Stop()
	}
	for _, d := range m.dispensers {
		d.Stop()
	}
	return running
}

// ResetAll stops everything, resets hopper counters and dispenser faults and
// clears the inserted total.
func (m *Machine) ResetAll(now time.Time) {
	m.change.Stop()
	for _, h := range m.hoppers {
		h.Reset(now)
	}
	for _, d := range m.dispensers {
		d.Reset()
	}
	m.coin.Reset()
}

// Shutdown halts every motor and relay immediately, detaches the coin slot
// and returns the final messages including the shutdown event.
func (m *Machine) Shutdown(now time.Time) []protocol.Message {
	m.now = now
	m.change.Stop()
	for _, h := range m.hoppers {
		h.Stop()
	}
	for _, d := range m.dispensers {
		if d.Active() {
			d.Reset()
		}
	}
	if err := m.coin.Detach(); err != nil {
		m.log.Warn("detach coin slot", zap.Error(err))
	}
	m.system.Event(protocol.SystemEvent{Event: protocol.EventShutdown, BootID: m.bootID})
	m.log.Info("machine shut down")
	return m.drain(nil)
}

// Snapshot returns the state of every component.
func (m *Machine) Snapshot() protocol.SystemStatus {
	s := protocol.SystemStatus{
		BootID:     m.bootID,
		UptimeMS:   m.ts(),
		CoinSlot:   m.coin.Status(),
		Change:     m.change.Status(),
		Hoppers:    make([]protocol.HopperStatus, 0, len(m.hoppers)),
		Dispensers: make([]protocol.PaperStatus, 0, len(m.dispensers)),
	}
	for _, h := range m.hoppers {
		s.Hoppers = append(s.Hoppers, h.Status())
	}
	for _, d := range m.dispensers {
		s.Dispensers = append(s.Dispensers, d.Status())
	}
	return s
}

// BootID returns the identifier of this run.
func (m *Machine) BootID() string { return m.bootID }
