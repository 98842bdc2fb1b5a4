// Package status provides a thread-safe status tracker for the vending core.
// The loop writes to it after every iteration; HTTP handlers read from it.
package status

import (
	"sync"
	"time"

	"github.com/kioskworks/vendcore/internal/protocol"
)

// DefaultRecent is the number of outbound messages kept for display.
const DefaultRecent = 50

// NetworkInfo contains network state as reported by the host environment.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs           int64
	StatusIntervalMs int64
	Link             string
	Broker           string
	MQTTEnabled      bool
	HTTPAddr         string
}

// Counts tallies outbound messages by kind since start.
type Counts struct {
	Events int
	Errors int
	Acks   int
	Status int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Machine       protocol.SystemStatus
	Recent        []protocol.Message
	Counts        Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu        sync.RWMutex
	snap      Snapshot
	maxRecent int
}

// NewTracker creates a Tracker that keeps the last recent outbound messages.
func NewTracker(startTime time.Time, cfg Config, recent int) *Tracker {
	if recent <= 0 {
		recent = DefaultRecent
	}
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		maxRecent: recent,
	}
}

// Update stores the latest machine snapshot.
func (t *Tracker) Update(s protocol.SystemStatus) {
	t.mu.Lock()
	t.snap.Machine = s
	t.mu.Unlock()
}

// Record appends outbound messages to the recent list and counts them.
func (t *Tracker) Record(msgs ...protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		switch m.Type {
		case protocol.KindEvent:
			t.snap.Counts.Events++
		case protocol.KindError:
			t.snap.Counts.Errors++
		case protocol.KindAck:
			t.snap.Counts.Acks++
		case protocol.KindStatus:
			t.snap.Counts.Status++
		}
	}
	t.snap.Recent = append(t.snap.Recent, msgs...)
	if over := len(t.snap.Recent) - t.maxRecent; over > 0 {
		t.snap.Recent = append([]protocol.Message(nil), t.snap.Recent[over:]...)
	}
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Recent = append([]protocol.Message(nil), t.snap.Recent...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
