// Package gpio provides digital pin access with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
//
// All values are logical: true means "active" (relay energized, coin sensed,
// limit switch pressed) after any active-low inversion has been applied.
package gpio

import "time"

// InputPin reads a digital input.
type InputPin interface {
	Read() (bool, error)
}

// OutputPin drives a digital output.
type OutputPin interface {
	Set(active bool) error
}

// EdgeHandler is called for every detected edge with the time it was seen.
// It runs on the event goroutine, not the poll loop.
type EdgeHandler func(at time.Time)

// EdgeLine delivers falling edges of an input to a handler while attached.
type EdgeLine interface {
	// Attach starts edge delivery to h. Attaching twice replaces the handler.
	Attach(h EdgeHandler) error
	// Detach stops edge delivery. Detaching a detached line is a no-op.
	Detach() error
}

// Pins opens lines by offset. *Chip implements it on Linux; tests use fakes.
type Pins interface {
	Input(offset int, activeLow bool) (InputPin, error)
	Output(offset int, activeLow bool) (OutputPin, error)
	Edge(offset int) (EdgeLine, error)
	Close() error
}

// DefaultChip is the GPIO character device used when none is configured.
const DefaultChip = "gpiochip0"
