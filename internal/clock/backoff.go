// Package clock provides the non-blocking retry/jitter scheduling used
// by package applemidi: an exponential backoff for invitation retries
// and a jittered interval helper for the recurring sync schedule.
//
// Nothing reachable from Tick or the poll entry points may block, so
// the backoff exposes a due-time instead of sleeping: Arm records when
// the next attempt becomes eligible and Due(now) polls it.
package clock

import (
	"math/rand"
	"time"
)

// Backoff is an exponential backoff schedule with jitter and a retry
// ceiling, used to drive AppleMIDI invitation retries (by default 12
// attempts, 2s doubling to 32s).
type Backoff struct {
	attempt     int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterFrac  float64
	due         time.Time
	armed       bool
}

// NewBackoff returns a schedule with attempt 0, ready to Arm.
func NewBackoff(base, max time.Duration, maxAttempts int, jitterFrac float64) *Backoff {
	return &Backoff{baseDelay: base, maxDelay: max, maxAttempts: maxAttempts, jitterFrac: jitterFrac}
}

// Attempt reports how many times Arm has fired so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Exhausted reports whether the retry budget is used up.
func (b *Backoff) Exhausted() bool { return b.attempt >= b.maxAttempts }

// current computes the un-jittered delay for the current attempt,
// doubling from baseDelay and capping at maxDelay.
func (b *Backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	return d
}

// Arm schedules the next retry relative to now, applying jitter, and
// consumes one attempt from the budget. It returns the due time; the
// caller re-sends once Due(now) reports true.
func (b *Backoff) Arm(now time.Time) time.Time {
	d := Jitter(b.current(), b.jitterFrac)
	if d < 0 {
		d = b.baseDelay
	}
	b.due = now.Add(d)
	b.armed = true
	b.attempt++
	return b.due
}

// Due reports whether the armed delay has elapsed. It is false if Arm
// has not been called since the last Reset.
func (b *Backoff) Due(now time.Time) bool {
	return b.armed && !now.Before(b.due)
}

// Reset clears the attempt counter and arm state, for a fresh peer or
// a successful handshake.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.armed = false
}

// Jitter returns d adjusted by a uniformly random +/-frac fraction.
func Jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac * (2*rand.Float64() - 1)
	return d + time.Duration(delta)
}
