package mqtt

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/protocol"
)

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Prefix is used to build recorded topics.
	Prefix string

	// Messages contains every message that was published.
	Messages []protocol.Message

	// Topics and Payloads are parallel to Messages.
	Topics   []string
	Payloads [][]byte
	Retained []bool

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	lines chan<- string
}

// NewFakePublisher creates a FakePublisher. Lines passed to Inject are
// queued on lines.
func NewFakePublisher(prefix string, lines chan<- string) *FakePublisher {
	return &FakePublisher{Prefix: prefix, Connected: true, lines: lines}
}

// Publish records the message.
func (f *FakePublisher) Publish(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatPayload(msg)
	if err != nil {
		return err
	}
	f.Messages = append(f.Messages, msg)
	f.Topics = append(f.Topics, MessageTopic(f.Prefix, msg))
	f.Payloads = append(f.Payloads, payload)
	f.Retained = append(f.Retained, Retained(msg))
	return nil
}

// Inject simulates a payload arriving on the command topic.
func (f *FakePublisher) Inject(payload string) int {
	return deliver(f.lines, []byte(payload), zap.NewNop())
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Count returns the number of recorded messages.
func (f *FakePublisher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Messages)
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = nil
	f.Topics = nil
	f.Payloads = nil
	f.Retained = nil
	f.Closed = false
	f.PublishError = nil
}
