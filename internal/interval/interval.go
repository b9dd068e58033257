// Package interval paces periodic work on the control loop without
// blocking it. Time is expressed as a wrapping 32-bit millisecond
// counter so that elapsed checks stay correct across counter rollover
// (about every 49.7 days).
package interval

import "time"

// Millis is a wrapping millisecond counter. Differences between two
// readings are computed with unsigned subtraction, which yields the
// right answer across a single wraparound.
type Millis uint32

// Sub returns the time elapsed from earlier to m.
func (m Millis) Sub(earlier Millis) time.Duration {
	return time.Duration(m-earlier) * time.Millisecond
}

// Clock supplies the current millisecond counter.
type Clock interface {
	Now() Millis
}

// Monotonic is a [Clock] backed by Go's monotonic clock reading,
// counting from the moment it was created.
type Monotonic struct {
	start time.Time
}

// NewMonotonic returns a clock whose counter starts at zero now.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// Now returns the milliseconds since the clock was created, truncated
// to 32 bits.
func (c *Monotonic) Now() Millis {
	return Millis(uint32(time.Since(c.start).Milliseconds()))
}

// Timer reports whether a duration has elapsed since its last trigger.
// The zero value is ready to use and starts unarmed.
type Timer struct {
	last  Millis
	armed bool
}

// Elapsed reports whether interval has passed since the last trigger.
//
// The first call on an unarmed timer records now as the baseline and
// returns false. Afterwards it returns true, moving the baseline to now,
// iff now-baseline >= interval; a false result leaves the baseline
// untouched. If the caller falls several intervals behind, only one true
// result is produced.
func (t *Timer) Elapsed(now Millis, interval time.Duration) bool {
	if !t.armed {
		t.Arm(now)
		return false
	}
	if now.Sub(t.last) >= interval {
		t.last = now
		return true
	}
	return false
}

// Arm sets the baseline to now without reporting anything.
func (t *Timer) Arm(now Millis) {
	t.last = now
	t.armed = true
}

// Armed reports whether the timer has a baseline.
func (t *Timer) Armed() bool {
	return t.armed
}
