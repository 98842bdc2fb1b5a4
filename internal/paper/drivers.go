package paper

import (
	"fmt"
	"time"

	"github.com/kioskworks/vendcore/internal/gpio"
)

// stepper drives a step/direction stepper controller.
type stepper struct {
	dir   gpio.OutputPin
	pulse gpio.OutputPin
	delay time.Duration
	sleep func(time.Duration)
}

// step emits n pulses, each held high and low for delay.
func (s *stepper) step(n int, forward bool) error {
	if err := s.dir.Set(forward); err != nil {
		return fmt.Errorf("stepper dir: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := s.pulse.Set(true); err != nil {
			return fmt.Errorf("stepper pulse: %w", err)
		}
		s.sleep(s.delay)
		if err := s.pulse.Set(false); err != nil {
			return fmt.Errorf("stepper pulse: %w", err)
		}
		s.sleep(s.delay)
	}
	return nil
}

// motor drives an H-bridge DC motor through IN1/IN2 and an enable line.
type motor struct {
	in1    gpio.OutputPin
	in2    gpio.OutputPin
	enable gpio.OutputPin
}

type motorDir int

const (
	motorStopped motorDir = iota
	motorForward
	motorReverse
)

func (d motorDir) String() string {
	switch d {
	case motorForward:
		return "forward"
	case motorReverse:
		return "reverse"
	}
	return "stopped"
}

func (m *motor) drive(d motorDir) error {
	in1, in2 := d == motorForward, d == motorReverse
	if err := m.in1.Set(in1); err != nil {
		return fmt.Errorf("motor in1: %w", err)
	}
	if err := m.in2.Set(in2); err != nil {
		return fmt.Errorf("motor in2: %w", err)
	}
	if err := m.enable.Set(d != motorStopped); err != nil {
		return fmt.Errorf("motor enable: %w", err)
	}
	return nil
}
