package machine

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	vcerrors "github.com/kioskworks/vendcore/internal/errors"
	"github.com/kioskworks/vendcore/internal/hopper"
	"github.com/kioskworks/vendcore/internal/paper"
	"github.com/kioskworks/vendcore/internal/protocol"
)

// HandleLine parses and executes one inbound line and returns exactly one
// message: an ack if the command was accepted, an error otherwise.
// Asynchronous effects are reported later through Step.
func (m *Machine) HandleLine(line string, now time.Time) protocol.Message {
	m.now = now
	cmd, err := protocol.Parse(line)
	if err != nil {
		m.log.Debug("command rejected", zap.String("line", line), zap.Error(err))
		return m.reject(protocol.TargetSystem, protocol.Command{}, err)
	}
	return m.Execute(cmd, now)
}

// Execute runs an already parsed command.
func (m *Machine) Execute(cmd protocol.Command, now time.Time) protocol.Message {
	m.now = now
	if cmd.Target == "" {
		t, ok := m.resolveTarget(cmd.Name)
		if !ok {
			err := vcerrors.Newf(vcerrors.CodeUnknownInstance, "no instance named %q", cmd.Name)
			return m.reject(protocol.TargetSystem, cmd, err)
		}
		cmd.Target = t
	}

	var (
		ack protocol.Ack
		err error
	)
	switch cmd.Target {
	case protocol.TargetCoinSlot:
		ack, err = m.coinSlotCommand(cmd)
	case protocol.TargetHopper:
		ack, err = m.hopperCommand(cmd, now)
	case protocol.TargetChange:
		ack, err = m.changeCommand(cmd, now)
	case protocol.TargetPaper:
		ack, err = m.paperCommand(cmd, now)
	case protocol.TargetRelay:
		ack, err = m.relayCommand(cmd)
	case protocol.TargetSystem:
		ack, err = m.systemCommand(cmd, now)
	default:
		err = vcerrors.Newf(vcerrors.CodeUnknownTarget, "unknown target %q", cmd.Target)
	}
	if err != nil {
		m.log.Debug("command rejected",
			zap.String("target", string(cmd.Target)),
			zap.String("cmd", cmd.Cmd),
			zap.String("name", cmd.Name),
			zap.Error(err))
		return m.reject(cmd.Target, cmd, err)
	}
	m.log.Debug("command accepted",
		zap.String("target", string(cmd.Target)),
		zap.String("cmd", cmd.Cmd),
		zap.String("name", cmd.Name))
	return protocol.NewMessage(cmd.Target, protocol.KindAck, m.ts(), ack)
}

func (m *Machine) reject(source protocol.Target, cmd protocol.Command, err error) protocol.Message {
	payload := protocol.ErrorPayload{
		Action: cmd.Cmd,
		Error:  string(vcerrors.CodeOf(err)),
		Name:   cmd.Name,
	}
	if e, ok := vcerrors.As(err); ok {
		payload.Details = e.Detail
	} else {
		payload.Details = err.Error()
	}
	return protocol.NewMessage(source, protocol.KindError, m.ts(), payload)
}

// resolveTarget finds which multi-instance target owns name, for legacy
// "<name>_<cmd>" tokens.
func (m *Machine) resolveTarget(name string) (protocol.Target, bool) {
	n := strings.ToLower(name)
	if _, ok := m.hopperByName[key{protocol.TargetHopper, n}]; ok {
		return protocol.TargetHopper, true
	}
	if _, ok := m.dispenserByName[key{protocol.TargetPaper, n}]; ok {
		return protocol.TargetPaper, true
	}
	if n == "coinslot" {
		return protocol.TargetCoinSlot, true
	}
	if n == "change" {
		return protocol.TargetChange, true
	}
	return "", false
}

func (m *Machine) hopper(name string) (*hopper.Payout, error) {
	if name == "" {
		return m.hoppers[0], nil
	}
	h, ok := m.hopperByName[key{protocol.TargetHopper, strings.ToLower(name)}]
	if !ok {
		return nil, vcerrors.Newf(vcerrors.CodeUnknownInstance, "no hopper named %q", name)
	}
	return h, nil
}

func (m *Machine) dispenser(name string) (*paper.Dispenser, error) {
	if name == "" {
		if len(m.dispensers) == 0 {
			return nil, vcerrors.New(vcerrors.CodeUnknownInstance, "no dispensers configured")
		}
		return m.dispensers[0], nil
	}
	d, ok := m.dispenserByName[key{protocol.TargetPaper, strings.ToLower(name)}]
	if !ok {
		return nil, vcerrors.Newf(vcerrors.CodeUnknownInstance, "no dispenser named %q", name)
	}
	return d, nil
}

func requireValue(cmd protocol.Command) error {
	if !cmd.HasValue {
		return vcerrors.MissingParameter("value")
	}
	return nil
}

func unknownCommand(cmd protocol.Command) error {
	return vcerrors.Newf(vcerrors.CodeUnknownCommand, "%s does not support %q", cmd.Target, cmd.Cmd)
}

func hardwareFault(err error) error {
	return vcerrors.New(vcerrors.CodeHardwareFault, err.Error())
}

func (m *Machine) coinSlotCommand(cmd protocol.Command) (protocol.Ack, error) {
	switch cmd.Cmd {
	case protocol.CmdGet, protocol.CmdStatus:
		m.coin.Outbox().MarkStatus()
		total := m.coin.Total()
		ack := cmd.Ack("")
		ack.Value = &total
		return ack, nil
	case protocol.CmdReset:
		m.coin.Reset()
		return cmd.Ack("reset"), nil
	case protocol.CmdAttach:
		if err := m.coin.Attach(); err != nil {
			return protocol.Ack{}, hardwareFault(err)
		}
		return cmd.Ack("attached"), nil
	case protocol.CmdDetach:
		if err := m.coin.Detach(); err != nil {
			return protocol.Ack{}, hardwareFault(err)
		}
		return cmd.Ack("detached"), nil
	}
	return protocol.Ack{}, unknownCommand(cmd)
}

func (m *Machine) hopperCommand(cmd protocol.Command, now time.Time) (protocol.Ack, error) {
	h, err := m.hopper(cmd.Name)
	if err != nil {
		return protocol.Ack{}, err
	}
	switch cmd.Cmd {
	case protocol.CmdGet, protocol.CmdStatus:
		h.Outbox().MarkStatus()
		return cmd.Ack(h.Status().Status), nil
	case protocol.CmdDispense:
		if err := requireValue(cmd); err != nil {
			return protocol.Ack{}, err
		}
		if m.change.Active() {
			return protocol.Ack{}, vcerrors.Busy("change")
		}
		if err := h.Start(cmd.Value, now); err != nil {
			return protocol.Ack{}, err
		}
		return cmd.Ack("started"), nil
	case protocol.CmdStop:
		h.Stop()
		return cmd.Ack("stopped"), nil
	case protocol.CmdReset:
		h.Reset(now)
		return cmd.Ack("reset"), nil
	}
	return protocol.Ack{}, unknownCommand(cmd)
}

func (m *Machine) changeCommand(cmd protocol.Command, now time.Time) (protocol.Ack, error) {
	switch cmd.Cmd {
	case protocol.CmdGet, protocol.CmdStatus:
		m.change.Outbox().MarkStatus()
		return cmd.Ack(""), nil
	case protocol.CmdDispense:
		if err := requireValue(cmd); err != nil {
			return protocol.Ack{}, err
		}
		if err := m.change.Dispense(cmd.Value, cmd.Force(), now); err != nil {
			return protocol.Ack{}, err
		}
		if cmd.Force() {
			return cmd.Ack("forced"), nil
		}
		return cmd.Ack("started"), nil
	case protocol.CmdStop:
		m.change.Stop()
		return cmd.Ack("stopped"), nil
	}
	return protocol.Ack{}, unknownCommand(cmd)
}

func (m *Machine) paperCommand(cmd protocol.Command, now time.Time) (protocol.Ack, error) {
	d, err := m.dispenser(cmd.Name)
	if err != nil {
		return protocol.Ack{}, err
	}
	switch cmd.Cmd {
	case protocol.CmdGet, protocol.CmdStatus:
		d.Outbox().MarkStatus()
		return cmd.Ack(d.State().String()), nil
	case protocol.CmdDispense:
		if err := requireValue(cmd); err != nil {
			return protocol.Ack{}, err
		}
		if err := d.Dispense(cmd.Value, now); err != nil {
			return protocol.Ack{}, err
		}
		return cmd.Ack("started"), nil
	case protocol.CmdStop:
		d.Stop()
		return cmd.Ack("stopping"), nil
	case protocol.CmdReset:
		d.Reset()
		return cmd.Ack("reset"), nil
	case protocol.CmdCheck:
		present, err := d.PaperPresent()
		if err != nil {
			if _, ok := vcerrors.As(err); ok {
				return protocol.Ack{}, err
			}
			return protocol.Ack{}, hardwareFault(err)
		}
		d.Outbox().MarkStatus()
		if present {
			return cmd.Ack("present"), nil
		}
		return cmd.Ack("absent"), nil
	case protocol.CmdSetStepperSteps:
		if err := requireValue(cmd); err != nil {
			return protocol.Ack{}, err
		}
		if err := d.SetStepperSteps(cmd.Value); err != nil {
			return protocol.Ack{}, err
		}
		return cmd.Ack(""), nil
	}
	return protocol.Ack{}, unknownCommand(cmd)
}

func (m *Machine) relayCommand(cmd protocol.Command) (protocol.Ack, error) {
	if err := requireValue(cmd); err != nil {
		return protocol.Ack{}, err
	}
	h, ok := m.hopperByRelay[cmd.Value]
	if !ok {
		return protocol.Ack{}, vcerrors.Newf(vcerrors.CodeUnknownInstance, "no relay %d", cmd.Value)
	}
	cmd.Name = "relay" + strconv.Itoa(cmd.Value)

	switch cmd.Cmd {
	case protocol.CmdGet, protocol.CmdStatus:
		h.Outbox().MarkStatus()
		return cmd.Ack(onOff(h.RelayOn())), nil
	case protocol.CmdSetRelay:
		var on bool
		switch cmd.State {
		case protocol.StateOn:
			on = true
		case protocol.StateOff:
		default:
			return protocol.Ack{}, vcerrors.Newf(vcerrors.CodeInvalidParameter, "state must be on or off, got %q", cmd.State)
		}
		if m.change.Active() {
			return protocol.Ack{}, vcerrors.Busy("change")
		}
		if err := h.SetRelay(on); err != nil {
			return protocol.Ack{}, err
		}
		return cmd.Ack(onOff(on)), nil
	}
	return protocol.Ack{}, unknownCommand(cmd)
}

func onOff(on bool) string {
	if on {
		return protocol.StateOn
	}
	return protocol.StateOff
}

func (m *Machine) systemCommand(cmd protocol.Command, now time.Time) (protocol.Ack, error) {
	switch cmd.Cmd {
	case protocol.CmdGet, protocol.CmdStatus:
		m.system.MarkStatus()
		return cmd.Ack(""), nil
	case protocol.CmdPing:
		return cmd.Ack("pong"), nil
	case protocol.CmdStop:
		if m.StopAll() {
			m.system.Event(protocol.SystemEvent{Event: protocol.EventStopped, BootID: m.bootID})
			m.log.Info("all components stopped")
		}
		return cmd.Ack("stopped"), nil
	case protocol.CmdReset:
		m.ResetAll(now)
		m.system.Event(protocol.SystemEvent{Event: protocol.EventReset, BootID: m.bootID})
		m.system.MarkStatus()
		m.log.Info("all components reset")
		return cmd.Ack("reset"), nil
	}
	return protocol.Ack{}, unknownCommand(cmd)
}
