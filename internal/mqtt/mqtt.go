// Package mqtt mirrors outbound protocol messages to a broker and feeds
// command lines received on the command topic into the same channel as the
// host link.
package mqtt

import (
	"bytes"
	"strings"

	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/protocol"
)

// Publisher mirrors outbound messages to the broker.
type Publisher interface {
	// Publish sends one message. Failures must not stop the loop.
	Publish(msg protocol.Message) error

	// Close publishes the offline marker and disconnects.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Availability payloads, retained on the availability topic. Offline is
// also the last-will payload.
const (
	Online  = "online"
	Offline = "offline"
)

// MessageTopic returns <prefix>/<source>/<type>, e.g. vendcore/hopper/event.
func MessageTopic(prefix string, msg protocol.Message) string {
	return prefix + "/" + strings.ToLower(string(msg.Source)) + "/" + string(msg.Type)
}

// CommandTopic returns the topic command lines are accepted on.
func CommandTopic(prefix string) string {
	return prefix + "/cmd"
}

// AvailabilityTopic returns the retained online/offline topic.
func AvailabilityTopic(prefix string) string {
	return prefix + "/availability"
}

// Retained reports whether msg replaces the broker's retained copy. Only the
// aggregate System status is retained so late subscribers see current state.
func Retained(msg protocol.Message) bool {
	return msg.Source == protocol.TargetSystem && msg.Type == protocol.KindStatus
}

// QoS returns the delivery guarantee for msg. Status is periodic and may be
// lost; events and errors are delivered at least once.
func QoS(msg protocol.Message) byte {
	if msg.Type == protocol.KindStatus {
		return 0
	}
	return 1
}

// FormatPayload encodes msg as on the host link, without the line terminator.
func FormatPayload(msg protocol.Message) ([]byte, error) {
	b, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(b, []byte("\n")), nil
}

// ClientID suffixes base with the start of the boot id so a restarted
// process never collides with its own stale session.
func ClientID(base, bootID string) string {
	if bootID == "" {
		return base
	}
	if len(bootID) > 8 {
		bootID = bootID[:8]
	}
	return base + "-" + bootID
}

// deliver splits a command payload into lines and queues each on lines.
// Lines are dropped when the queue is full; it returns how many were queued.
func deliver(lines chan<- string, payload []byte, log *zap.Logger) int {
	if lines == nil {
		return 0
	}
	n := 0
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		select {
		case lines <- line:
			n++
		default:
			log.Warn("mqtt command dropped, queue full", zap.String("line", line))
		}
	}
	return n
}
