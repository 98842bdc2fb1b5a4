package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/config"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/protocol"
)

const (
	connectTimeout = 10 * time.Second
	closeTimeout   = time.Second
)

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	prefix string
	lines  chan<- string
	log    *zap.Logger

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher connects to cfg.Broker. Command lines received on the
// command topic are queued on lines, which may be nil.
func NewRealPublisher(cfg config.MQTTConfig, bootID string, lines chan<- string, log *zap.Logger) (*RealPublisher, error) {
	p := &RealPublisher{
		prefix: cfg.TopicPrefix,
		lines:  lines,
		log:    logger.OrNop(log),
		buf:    newRingBuffer(cfg.Buffer),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(ClientID(cfg.ClientID, bootID)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(AvailabilityTopic(p.prefix), Offline, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("mqtt connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	if err := connect(p.client, connectTimeout); err != nil {
		return nil, err
	}
	return p, nil
}

// connect waits up to timeout for the first connection. On failure the
// client is disconnected so its retry loop cannot subscribe to commands
// behind a publisher the caller has already discarded.
func connect(c paho.Client, timeout time.Duration) error {
	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		c.Disconnect(0)
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		c.Disconnect(0)
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// onConnect runs on every (re)connection: it subscribes to commands,
// announces availability and replays what was buffered while offline.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.log.Info("mqtt connected", zap.String("prefix", p.prefix))

	c.Subscribe(CommandTopic(p.prefix), 1, func(_ paho.Client, m paho.Message) {
		deliver(p.lines, m.Payload(), p.log)
	})
	c.Publish(AvailabilityTopic(p.prefix), 1, true, Online)

	p.mu.Lock()
	pending := p.buf.drainAll()
	p.mu.Unlock()
	if len(pending) > 0 {
		p.log.Info("mqtt replaying buffered messages", zap.Int("count", len(pending)))
	}
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
}

// Publish sends msg without waiting for the broker. It never blocks the loop.
func (p *RealPublisher) Publish(msg protocol.Message) error {
	payload, err := FormatPayload(msg)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	m := bufferedMsg{
		topic:    MessageTopic(p.prefix, msg),
		payload:  payload,
		qos:      QoS(msg),
		retained: Retained(msg),
	}

	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		dropped := p.buf.push(m)
		p.mu.Unlock()
		if dropped {
			p.log.Warn("mqtt buffer full, dropping oldest", zap.Int("capacity", p.buf.capacity))
		}
		return nil
	}

	p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close announces the clean disconnect and closes the client.
func (p *RealPublisher) Close() error {
	if p.client.IsConnectionOpen() {
		token := p.client.Publish(AvailabilityTopic(p.prefix), 1, true, Offline)
		token.WaitTimeout(closeTimeout)
	}
	p.client.Disconnect(uint(closeTimeout / time.Millisecond))
	return nil
}
