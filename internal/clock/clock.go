// Package clock provides the single source of "now" used throughout the
// core. Every component that needs wall time goes through a clock.Clock
// instead of calling time.Now() directly, so tests can drive liveness,
// scheduling, and stuck-run detection deterministically.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the monotonic wall-time source consumed by every registry and
// periodic loop. It is a thin alias over clockwork.Clock so real and fake
// clocks can be swapped without the rest of the core importing clockwork
// directly.
type Clock = clockwork.Clock

// FakeClock is the controllable implementation returned by NewFake.
type FakeClock = clockwork.FakeClock

// New returns the real, wall-clock-backed Clock used in production.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a controllable Clock for tests, frozen at an arbitrary
// fixed instant until advanced explicitly via its Advance/Set methods.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
