package gpio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// FakeInput is a test double that returns scripted or directly set levels.
type FakeInput struct {
	mu sync.Mutex

	// Samples contains scripted levels. Each call to Read() consumes the next
	// sample; once exhausted the last sample repeats. Set clears Samples.
	Samples []bool

	// index tracks current position in Samples
	index int

	level bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeInput creates a FakeInput with the given samples.
func NewFakeInput(samples ...bool) *FakeInput {
	return &FakeInput{Samples: samples}
}

// Read returns the next scripted sample, or the level last passed to Set.
func (f *FakeInput) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return f.level, nil
	}

	v := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return v, nil
}

// Set fixes the level returned by subsequent reads.
func (f *FakeInput) Set(active bool) {
	f.mu.Lock()
	f.Samples = nil
	f.index = 0
	f.level = active
	f.mu.Unlock()
}

// Reset rewinds to the beginning of Samples.
func (f *FakeInput) Reset() {
	f.mu.Lock()
	f.index = 0
	f.mu.Unlock()
}

// FakeOutput records every value written to it.
type FakeOutput struct {
	mu     sync.Mutex
	active bool

	// Writes holds every value passed to Set, in order.
	Writes []bool

	// WriteError, if set, will be returned by Set()
	WriteError error
}

// NewFakeOutput creates an inactive FakeOutput.
func NewFakeOutput() *FakeOutput {
	return &FakeOutput{}
}

// Set records the write.
func (f *FakeOutput) Set(active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.active = active
	f.Writes = append(f.Writes, active)
	return nil
}

// Active reports the last value written.
func (f *FakeOutput) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Pulses counts inactive-to-active transitions written so far.
func (f *FakeOutput) Pulses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	prev := false
	for _, w := range f.Writes {
		if w && !prev {
			n++
		}
		prev = w
	}
	return n
}

// FakeEdge is an EdgeLine whose edges are fired by the test.
type FakeEdge struct {
	mu       sync.Mutex
	handler  EdgeHandler
	attached bool

	// Attaches and Detaches count hardware reconfigurations.
	Attaches int
	Detaches int

	// DetachError, if set, will be returned by Detach() with the line left
	// attached.
	DetachError error
}

// NewFakeEdge creates a detached FakeEdge.
func NewFakeEdge() *FakeEdge {
	return &FakeEdge{}
}

// Attach starts delivering fired edges to h.
func (f *FakeEdge) Attach(h EdgeHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	if !f.attached {
		f.attached = true
		f.Attaches++
	}
	return nil
}

// Detach stops delivering edges.
func (f *FakeEdge) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DetachError != nil {
		return f.DetachError
	}
	if f.attached {
		f.attached = false
		f.handler = nil
		f.Detaches++
	}
	return nil
}

// Attached reports whether a handler is currently receiving edges.
func (f *FakeEdge) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

// Fire delivers one edge at the given time, if attached.
func (f *FakeEdge) Fire(at time.Time) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(at)
	}
}

// FakePins hands out fakes by offset so tests can reach them after assembly.
type FakePins struct {
	Inputs  map[int]*FakeInput
	Outputs map[int]*FakeOutput
	Edges   map[int]*FakeEdge

	// Closed tracks if Close was called
	Closed bool
}

// NewFakePins creates an empty FakePins.
func NewFakePins() *FakePins {
	return &FakePins{
		Inputs:  make(map[int]*FakeInput),
		Outputs: make(map[int]*FakeOutput),
		Edges:   make(map[int]*FakeEdge),
	}
}

var errPinTaken = errors.New("pin already requested")

func (p *FakePins) taken(offset int) bool {
	_, in := p.Inputs[offset]
	_, out := p.Outputs[offset]
	_, edge := p.Edges[offset]
	return in || out || edge
}

// Input returns a new FakeInput for offset.
func (p *FakePins) Input(offset int, activeLow bool) (InputPin, error) {
	if p.taken(offset) {
		return nil, fmt.Errorf("input %d: %w", offset, errPinTaken)
	}
	in := NewFakeInput()
	p.Inputs[offset] = in
	return in, nil
}

// Output returns a new FakeOutput for offset.
func (p *FakePins) Output(offset int, activeLow bool) (OutputPin, error) {
	if p.taken(offset) {
		return nil, fmt.Errorf("output %d: %w", offset, errPinTaken)
	}
	out := NewFakeOutput()
	p.Outputs[offset] = out
	return out, nil
}

// Edge returns a new FakeEdge for offset.
func (p *FakePins) Edge(offset int) (EdgeLine, error) {
	if p.taken(offset) {
		return nil, fmt.Errorf("edge %d: %w", offset, errPinTaken)
	}
	e := NewFakeEdge()
	p.Edges[offset] = e
	return e, nil
}

// Close marks the pins as closed.
func (p *FakePins) Close() error {
	p.Closed = true
	return nil
}
