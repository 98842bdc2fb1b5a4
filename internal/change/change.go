// Package change pays out an amount across the hoppers, largest
// denomination first, one hopper at a time.
package change

import (
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kioskworks/vendcore/internal/config"
	vcerrors "github.com/kioskworks/vendcore/internal/errors"
	"github.com/kioskworks/vendcore/internal/logger"
	"github.com/kioskworks/vendcore/internal/protocol"
)

// Hopper is the part of a payout controller the coordinator drives.
type Hopper interface {
	Start(n int, now time.Time) error
	Stop()
	Reset(now time.Time)
	Busy() bool
	Count() int
	Denomination() int
}

// Plan decomposes amount greedily over denoms, which must be sorted largest
// first. Denominations with a zero count are omitted.
func Plan(amount int, denoms []int) (map[int]int, error) {
	if amount < 0 {
		return nil, vcerrors.Newf(vcerrors.CodeInvalidAmount, "amount %d", amount)
	}
	counts := make(map[int]int)
	rest := amount
	for _, d := range denoms {
		if d <= 0 {
			continue
		}
		if n := rest / d; n > 0 {
			counts[d] = n
			rest -= n * d
		}
	}
	if rest != 0 {
		return nil, vcerrors.Newf(vcerrors.CodeUnpayableAmount, "amount %d leaves %d", amount, rest)
	}
	return counts, nil
}

type stage struct {
	hopper Hopper
	count  int
}

// Coordinator sequences hopper payouts for one change request at a time.
type Coordinator struct {
	hoppers     []Hopper
	denoms      []int
	maxDuration time.Duration

	active       bool
	amount       int
	planned      map[int]int
	paid         map[int]int
	stages       []stage
	current      int
	running      bool
	dispensed    int
	lastProgress time.Time

	statusInterval time.Duration
	lastStatus     time.Time

	out *protocol.Outbox
	log *zap.Logger
}

// New creates an idle coordinator over hoppers.
func New(hoppers []Hopper, cfg config.ChangeConfig, statusInterval time.Duration, log *zap.Logger) *Coordinator {
	sorted := append([]Hopper(nil), hoppers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Denomination() > sorted[j].Denomination()
	})
	denoms := make([]int, len(sorted))
	for i, h := range sorted {
		denoms[i] = h.Denomination()
	}
	c := &Coordinator{
		hoppers:        sorted,
		denoms:         denoms,
		maxDuration:    cfg.MaxDuration,
		statusInterval: statusInterval,
		log:            logger.OrNop(log),
	}
	c.out = protocol.NewOutbox(protocol.TargetChange, func() any { return c.Status() })
	return c
}

// Dispense starts paying out amount. A request while a plan is active or any
// hopper is busy is rejected unless force is set, in which case every hopper
// is stopped first.
func (c *Coordinator) Dispense(amount int, force bool, now time.Time) error {
	planned, err := Plan(amount, c.denoms)
	if err != nil {
		return err
	}
	if !force && (c.active || c.anyBusy()) {
		return vcerrors.Busy("change")
	}

	for _, h := range c.hoppers {
		h.Stop()
		h.Reset(now)
	}
	c.clear()

	c.amount = amount
	c.planned = planned
	c.paid = make(map[int]int)
	for _, h := range c.hoppers {
		if n := planned[h.Denomination()]; n > 0 {
			c.stages = append(c.stages, stage{hopper: h, count: n})
		}
	}
	c.log.Info("change plan started", zap.Int("amount", amount), zap.Any("counts", planned), zap.Bool("forced", force))

	if len(c.stages) == 0 {
		c.finish()
		return nil
	}
	c.active = true
	c.lastProgress = now
	c.lastStatus = now
	if err := c.startStage(now); err != nil {
		c.abort()
		return err
	}
	c.out.MarkStatus()
	return nil
}

// Stop stops the hoppers of the running plan and clears it. With no plan
// active it changes nothing, so a hopper paying out on its own keeps going.
func (c *Coordinator) Stop() {
	if !c.active {
		return
	}
	c.stopCurrent()
	c.log.Info("change plan stopped", zap.Int("amount", c.amount), zap.Int("dispensed", c.dispensedSoFar()))
	c.clear()
	c.out.MarkStatus()
}

// Update advances the plan when the current hopper has finished. It must run
// after the hoppers have been updated in the same iteration.
func (c *Coordinator) Update(now time.Time) {
	if !c.active {
		return
	}

	cur := c.stages[c.current]
	if !cur.hopper.Busy() {
		c.complete(cur)
		c.running = false
		c.current++
		c.lastProgress = now
		if c.current == len(c.stages) {
			c.finish()
			return
		}
		if err := c.startStage(now); err != nil {
			c.log.Error("change stage failed to start", zap.Error(err))
			c.out.Error(protocol.ChangeError{
				Error:     string(vcerrors.CodeOf(err)),
				Amount:    c.amount,
				Dispensed: c.dispensed,
			})
			c.abort()
			return
		}
		c.out.MarkStatus()
		return
	}

	if now.Sub(c.lastProgress) > c.maxDuration {
		dispensed := c.dispensedSoFar()
		c.log.Warn("change plan stale", zap.Int("amount", c.amount), zap.Int("dispensed", dispensed))
		c.out.Error(protocol.ChangeError{
			Error:     string(vcerrors.CodeChangeTimeout),
			Amount:    c.amount,
			Dispensed: dispensed,
		})
		c.abort()
		return
	}

	if c.statusInterval > 0 && now.Sub(c.lastStatus) >= c.statusInterval {
		c.lastStatus = now
		c.out.MarkStatus()
	}
}

func (c *Coordinator) startStage(now time.Time) error {
	s := c.stages[c.current]
	c.log.Info("change stage", zap.Int("denomination", s.hopper.Denomination()), zap.Int("count", s.count))
	if err := s.hopper.Start(s.count, now); err != nil {
		return err
	}
	c.running = true
	return nil
}

func (c *Coordinator) complete(s stage) {
	d := s.hopper.Denomination()
	n := s.hopper.Count()
	c.paid[d] = n
	c.dispensed += n * d
}

func (c *Coordinator) finish() {
	c.log.Info("change done", zap.Int("amount", c.amount), zap.Int("dispensed", c.dispensed))
	c.out.Event(protocol.ChangeEvent{
		Event:     protocol.EventChangeDone,
		Amount:    c.amount,
		Dispensed: c.dispensed,
		Counts:    keyed(c.paid),
	})
	c.active = false
	c.stages = nil
	c.out.MarkStatus()
}

func (c *Coordinator) abort() {
	c.stopCurrent()
	c.clear()
	c.out.MarkStatus()
}

// stopCurrent stops the stage hopper the plan started. Earlier stages have
// finished and later ones were never started.
func (c *Coordinator) stopCurrent() {
	if c.running && c.current < len(c.stages) {
		c.stages[c.current].hopper.Stop()
	}
	c.running = false
}

func (c *Coordinator) clear() {
	c.active = false
	c.stages = nil
	c.current = 0
	c.running = false
	c.dispensed = 0
	c.amount = 0
	c.planned = nil
	c.paid = nil
}

func (c *Coordinator) anyBusy() bool {
	for _, h := range c.hoppers {
		if h.Busy() {
			return true
		}
	}
	return false
}

func (c *Coordinator) dispensedSoFar() int {
	n := c.dispensed
	if c.active && c.current < len(c.stages) {
		s := c.stages[c.current]
		n += s.hopper.Count() * s.hopper.Denomination()
	}
	return n
}

// Active reports whether a plan is running.
func (c *Coordinator) Active() bool { return c.active }

// Status returns the current snapshot.
func (c *Coordinator) Status() protocol.ChangeStatus {
	s := protocol.ChangeStatus{
		Active:    c.active,
		Amount:    c.amount,
		Dispensed: c.dispensedSoFar(),
	}
	if c.active {
		s.Stage = c.stages[c.current].hopper.Denomination()
		s.Counts = keyed(c.planned)
	}
	return s
}

// Outbox returns the pending outbound messages.
func (c *Coordinator) Outbox() *protocol.Outbox { return c.out }

func keyed(m map[int]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	return out
}
