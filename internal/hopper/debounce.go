package hopper

import "time"

// debouncer filters a sampled input: a level must hold for delay before it
// becomes the stable level.
type debouncer struct {
	delay   time.Duration
	raw     bool
	stable  bool
	changed time.Time
}

// settle adopts level as both raw and stable so that no transition is
// reported for it.
func (d *debouncer) settle(level bool, now time.Time) {
	d.raw = level
	d.stable = level
	d.changed = now
}

// sample feeds one reading and reports whether the stable level just became
// active.
func (d *debouncer) sample(level bool, now time.Time) bool {
	if level != d.raw {
		d.raw = level
		d.changed = now
	}
	if d.stable == d.raw || now.Sub(d.changed) < d.delay {
		return false
	}
	d.stable = d.raw
	return d.stable
}
