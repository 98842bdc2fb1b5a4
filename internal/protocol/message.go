package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind is the kind of an outbound message.
type Kind string

const (
	KindStatus Kind = "status"
	KindEvent  Kind = "event"
	KindAck    Kind = "ack"
	KindError  Kind = "error"
)

// Message is one outbound line.
type Message struct {
	Version int    `json:"v"`
	Source  Target `json:"source"`
	Type    Kind   `json:"type"`
	// TS is milliseconds since boot.
	TS   int64 `json:"ts"`
	Data any   `json:"data"`
}

// NewMessage builds a message stamped with the current protocol version.
func NewMessage(source Target, kind Kind, ts int64, data any) Message {
	return Message{Version: Version, Source: source, Type: kind, TS: ts, Data: data}
}

// Encode serializes m as a single newline-terminated line.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", m.Source, m.Type, err)
	}
	return append(b, '\n'), nil
}

// Ack is the payload of an acknowledgement.
type Ack struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Name   string `json:"name,omitempty"`
	Value  *int   `json:"value,omitempty"`
	Status string `json:"status,omitempty"`
}

// ErrorPayload is the payload of a synchronous rejection.
type ErrorPayload struct {
	Action  string `json:"action,omitempty"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Name    string `json:"name,omitempty"`
}

// CoinInserted is emitted once per classified burst.
type CoinInserted struct {
	CoinValue  int `json:"coinValue"`
	TotalValue int `json:"totalValue"`
}

// CoinSlotStatus is the classifier snapshot.
type CoinSlotStatus struct {
	TotalValue int  `json:"totalValue"`
	Attached   bool `json:"attached"`
}

// Hopper event names.
const (
	EventCoinOut       = "coin_out"
	EventTargetReached = "target_reached"
)

// HopperStatus is one hopper's snapshot.
type HopperStatus struct {
	Name         string `json:"name"`
	Denomination int    `json:"denomination"`
	Status       string `json:"status"`
	Count        int    `json:"count"`
	Target       int    `json:"target,omitempty"`
	Relay        bool   `json:"relay"`
}

// HopperEvent reports payout progress or completion.
type HopperEvent struct {
	Name         string `json:"name"`
	Denomination int    `json:"denomination"`
	Event        string `json:"event"`
	Count        int    `json:"count"`
	Target       int    `json:"target"`
}

// HopperError reports a payout watchdog timeout with the partial count.
type HopperError struct {
	Name         string `json:"name"`
	Denomination int    `json:"denomination"`
	Error        string `json:"error"`
	Final        int    `json:"final"`
	Target       int    `json:"target"`
}

// EventChangeDone marks a completed change plan.
const EventChangeDone = "change_done"

// ChangeStatus is the coordinator snapshot. Counts are keyed by denomination.
type ChangeStatus struct {
	Active    bool           `json:"active"`
	Amount    int            `json:"amount"`
	Dispensed int            `json:"dispensed"`
	Stage     int            `json:"stage,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// ChangeEvent reports a completed plan.
type ChangeEvent struct {
	Event     string         `json:"event"`
	Amount    int            `json:"amount"`
	Dispensed int            `json:"dispensed"`
	Counts    map[string]int `json:"counts"`
}

// ChangeError reports a stale plan that was aborted.
type ChangeError struct {
	Error     string `json:"error"`
	Amount    int    `json:"amount"`
	Dispensed int    `json:"dispensed"`
}

// EventDispenseComplete marks a finished paper run.
const EventDispenseComplete = "dispense_complete"

// PaperStatus is one dispenser's snapshot.
type PaperStatus struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	Current       int    `json:"current"`
	Total         int    `json:"total,omitempty"`
	PaperPresent  bool   `json:"paperPresent"`
	StepsPerSheet int    `json:"stepsPerSheet"`
}

// PaperEvent reports a completed run.
type PaperEvent struct {
	Name  string `json:"name"`
	Event string `json:"event"`
	Total int    `json:"total"`
}

// PaperError reports a dispenser fault with the sheets already fed.
type PaperError struct {
	Name    string `json:"name"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// System event names.
const (
	EventStartup  = "startup"
	EventShutdown = "shutdown"
	EventStopped  = "stopped"
	EventReset    = "reset"
)

// SystemEvent reports a lifecycle change.
type SystemEvent struct {
	Event  string `json:"event"`
	BootID string `json:"bootId"`
}

// SystemStatus aggregates every component snapshot.
type SystemStatus struct {
	BootID     string         `json:"bootId"`
	UptimeMS   int64          `json:"uptimeMs"`
	CoinSlot   CoinSlotStatus `json:"coinSlot"`
	Hoppers    []HopperStatus `json:"hoppers"`
	Change     ChangeStatus   `json:"change"`
	Dispensers []PaperStatus  `json:"dispensers"`
}
