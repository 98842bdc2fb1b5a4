//go:build linux

package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Chip hands out lines from a Linux GPIO character device.
type Chip struct {
	chip  *gpiocdev.Chip
	mu    sync.Mutex
	lines []*gpiocdev.Line
}

// OpenChip opens the named GPIO chip (e.g. "gpiochip0").
func OpenChip(name string) (*Chip, error) {
	if name == "" {
		name = DefaultChip
	}
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &Chip{chip: chip}, nil
}

func (c *Chip) track(l *gpiocdev.Line) {
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
}

// Input requests offset as an input with pull-up.
func (c *Chip) Input(offset int, activeLow bool) (InputPin, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullUp}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	l, err := c.chip.RequestLine(offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request input pin %d: %w", offset, err)
	}
	c.track(l)
	return &realInput{line: l}, nil
}

// Output requests offset as an output, initially inactive.
func (c *Chip) Output(offset int, activeLow bool) (OutputPin, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	l, err := c.chip.RequestLine(offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request output pin %d: %w", offset, err)
	}
	c.track(l)
	return &realOutput{line: l}, nil
}

// Edge requests offset as a pulled-up input with edge detection initially off.
func (c *Chip) Edge(offset int) (EdgeLine, error) {
	e := &realEdge{}
	l, err := c.chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithoutEdges,
		gpiocdev.WithEventHandler(e.dispatch))
	if err != nil {
		return nil, fmt.Errorf("request edge pin %d: %w", offset, err)
	}
	e.line = l
	c.track(l)
	return e, nil
}

// Close returns every output to inactive, reconfigures all requested lines as
// pulled-down inputs to match boot defaults, and releases the chip.
func (c *Chip) Close() error {
	c.mu.Lock()
	lines := c.lines
	c.lines = nil
	c.mu.Unlock()

	var errs []error
	for _, l := range lines {
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", l.Offset(), err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", l.Offset(), err))
		}
	}
	if c.chip != nil {
		if err := c.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

type realInput struct {
	line *gpiocdev.Line
}

func (r *realInput) Read() (bool, error) {
	v, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("read pin %d: %w", r.line.Offset(), err)
	}
	return v == 1, nil
}

type realOutput struct {
	line *gpiocdev.Line
}

func (r *realOutput) Set(active bool) error {
	v := 0
	if active {
		v = 1
	}
	if err := r.line.SetValue(v); err != nil {
		return fmt.Errorf("write pin %d: %w", r.line.Offset(), err)
	}
	return nil
}

type realEdge struct {
	line *gpiocdev.Line

	mu       sync.Mutex
	handler  EdgeHandler
	attached bool
}

func (e *realEdge) dispatch(evt gpiocdev.LineEvent) {
	if evt.Type != gpiocdev.LineEventFallingEdge {
		return
	}
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(time.Now())
	}
}

func (e *realEdge) Attach(h EdgeHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	if e.attached {
		return nil
	}
	if err := e.line.Reconfigure(gpiocdev.WithFallingEdge); err != nil {
		return fmt.Errorf("enable edges on pin %d: %w", e.line.Offset(), err)
	}
	e.attached = true
	return nil
}

func (e *realEdge) Detach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.attached {
		return nil
	}
	if err := e.line.Reconfigure(gpiocdev.WithoutEdges); err != nil {
		return fmt.Errorf("disable edges on pin %d: %w", e.line.Offset(), err)
	}
	e.attached = false
	e.handler = nil
	return nil
}
