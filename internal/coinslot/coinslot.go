// Package coinslot classifies coin-acceptor pulse bursts into coin values
// and keeps the running inserted total.
package coinslot

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/config"
	"github.com/kioskworks/vendcore/internal/gpio"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/protocol"
)

// burst is the only state shared between the edge goroutine and the loop.
type burst struct {
	mu    sync.Mutex
	count int
	last  time.Time
}

// edge counts one pulse unless it arrives within debounce of the previous one.
func (b *burst) edge(at time.Time, debounce time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.last.IsZero() && at.Sub(b.last) <= debounce {
		return false
	}
	b.count++
	b.last = at
	return true
}

// drain returns and clears the pulse count once the line has been quiet for
// longer than quiet.
func (b *burst) drain(now time.Time, quiet time.Duration) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 || now.Sub(b.last) <= quiet {
		return 0, false
	}
	n := b.count
	b.count = 0
	return n, true
}

func (b *burst) peek() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *burst) clear() {
	b.mu.Lock()
	b.count = 0
	b.mu.Unlock()
}

// Classifier turns pulse bursts on the insert line into coin values.
type Classifier struct {
	debounce time.Duration
	quiet    time.Duration
	pulses   map[int]int

	line     gpio.EdgeLine
	attached atomic.Bool
	burst    burst

	total int
	out   *protocol.Outbox
	log   *zap.Logger
}

// New creates a detached classifier reading edges from line.
func New(cfg config.CoinSlotConfig, line gpio.EdgeLine, log *zap.Logger) *Classifier {
	pulses := make(map[int]int, len(cfg.Pulses))
	for n, v := range cfg.Pulses {
		pulses[n] = v
	}
	c := &Classifier{
		debounce: cfg.Debounce,
		quiet:    cfg.QuietWindow,
		pulses:   pulses,
		line:     line,
		log:      logger.OrNop(log),
	}
	c.out = protocol.NewOutbox(protocol.TargetCoinSlot, func() any { return c.Status() })
	return c
}

// Attach enables the edge handler. Attaching twice is a no-op.
func (c *Classifier) Attach() error {
	if c.attached.Load() {
		return nil
	}
	if err := c.line.Attach(c.HandleEdge); err != nil {
		return err
	}
	c.attached.Store(true)
	c.log.Info("coin slot attached")
	c.out.MarkStatus()
	return nil
}

// Detach disables the edge handler. A burst in progress is kept and is
// classified only once the slot is attached again.
func (c *Classifier) Detach() error {
	if !c.attached.Load() {
		return nil
	}
	if err := c.line.Detach(); err != nil {
		return err
	}
	c.attached.Store(false)
	c.log.Info("coin slot detached", zap.Int("pending_pulses", c.burst.peek()))
	c.out.MarkStatus()
	return nil
}

// HandleEdge registers one falling edge seen at time at. It is safe to call
// from the edge goroutine.
func (c *Classifier) HandleEdge(at time.Time) {
	if !c.attached.Load() {
		return
	}
	c.burst.edge(at, c.debounce)
}

// Update finalizes a burst once the quiet window has elapsed.
func (c *Classifier) Update(now time.Time) {
	if !c.attached.Load() {
		return
	}
	n, ok := c.burst.drain(now, c.quiet)
	if !ok {
		return
	}
	value, known := c.pulses[n]
	if !known {
		c.log.Debug("discarding unclassified burst", zap.Int("pulses", n))
		return
	}
	c.total += value
	c.log.Info("coin inserted", zap.Int("value", value), zap.Int("total", c.total))
	c.out.Event(protocol.CoinInserted{CoinValue: value, TotalValue: c.total})
	c.out.MarkStatus()
}

// Reset clears the running total and any partial burst.
func (c *Classifier) Reset() {
	c.total = 0
	c.burst.clear()
	c.out.MarkStatus()
}

// Total returns the running inserted total.
func (c *Classifier) Total() int { return c.total }

// Attached reports whether the edge handler is enabled.
func (c *Classifier) Attached() bool { return c.attached.Load() }

// Status returns the current snapshot.
func (c *Classifier) Status() protocol.CoinSlotStatus {
	return protocol.CoinSlotStatus{TotalValue: c.total, Attached: c.Attached()}
}

// Outbox returns the pending outbound messages.
func (c *Classifier) Outbox() *protocol.Outbox { return c.out }
