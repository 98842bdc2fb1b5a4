// Package protocol defines the host command/response protocol.
//
// Inbound, one line is one command: either a JSON envelope
//
//	{"v":1,"target":"Hopper","cmd":"dispense","name":"5","value":3}
//
// or a legacy plain-text token such as "relay1_on", "short_dispense_2",
// "HOPPER 5 3" or "STATUS?". Both forms parse into the same Command.
//
// Outbound, one line is one Message of kind status, event, ack or error.
// Components never write to the host directly; they post into an Outbox that
// holds at most one pending message per kind and is drained once per loop
// iteration.
package protocol

import "strings"

// Version is the protocol version carried in every envelope.
const Version = 1

// Target identifies a component kind.
type Target string

const (
	TargetCoinSlot Target = "CoinSlot"
	TargetHopper   Target = "Hopper"
	TargetChange   Target = "Change"
	TargetPaper    Target = "PaperDispenser"
	TargetRelay    Target = "Relay"
	TargetSystem   Target = "System"
)

var targetNames = map[string]Target{
	"coinslot":       TargetCoinSlot,
	"hopper":         TargetHopper,
	"coincounter":    TargetHopper,
	"change":         TargetChange,
	"paperdispenser": TargetPaper,
	"paper":          TargetPaper,
	"relay":          TargetRelay,
	"system":         TargetSystem,
}

// ParseTarget resolves a target name case-insensitively, including aliases.
func ParseTarget(s string) (Target, bool) {
	t, ok := targetNames[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// Command names. Envelope commands are matched case-insensitively and
// normalized to these spellings.
const (
	CmdGet             = "get"
	CmdStatus          = "status"
	CmdReset           = "reset"
	CmdAttach          = "attach"
	CmdDetach          = "detach"
	CmdDispense        = "dispense"
	CmdStop            = "stop"
	CmdCheck           = "check"
	CmdSetStepperSteps = "setStepperSteps"
	CmdSetRelay        = "setRelay"
	CmdPing            = "ping"
)

var commandNames = map[string]string{
	"get":             CmdGet,
	"status":          CmdStatus,
	"reset":           CmdReset,
	"attach":          CmdAttach,
	"detach":          CmdDetach,
	"dispense":        CmdDispense,
	"stop":            CmdStop,
	"check":           CmdCheck,
	"setsteppersteps": CmdSetStepperSteps,
	"setrelay":        CmdSetRelay,
	"ping":            CmdPing,
}

// Relay states carried in Command.State.
const (
	StateOn    = "on"
	StateOff   = "off"
	StateForce = "force"
)

// Command is one parsed inbound request.
type Command struct {
	// Target is empty for legacy "<name>_<cmd>" tokens; the receiver
	// resolves it from the instance name.
	Target Target
	Cmd    string
	Name   string
	// Value is meaningful only when HasValue is set.
	Value    int
	HasValue bool
	State    string
}

// WithValue returns a copy of c carrying value v.
func (c Command) WithValue(v int) Command {
	c.Value = v
	c.HasValue = true
	return c
}

// ValuePtr returns the value for serialization, or nil if none was given.
func (c Command) ValuePtr() *int {
	if !c.HasValue {
		return nil
	}
	v := c.Value
	return &v
}

// Force reports whether the caller asked for a forced restart.
func (c Command) Force() bool {
	return strings.EqualFold(c.State, StateForce)
}

// Ack builds the acknowledgement payload for an accepted command.
func (c Command) Ack(status string) Ack {
	return Ack{
		Action: c.Cmd,
		OK:     true,
		Name:   c.Name,
		Value:  c.ValuePtr(),
		Status: status,
	}
}
