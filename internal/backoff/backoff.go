// Package backoff implements the restart governor shared by workers and
// listeners: an exponentially growing wait that resets once a process has
// proven itself stable.
package backoff

import "time"

// StabilityWindow is how long a process must stay up before a subsequent
// death is treated as a fresh failure rather than a continuation of the
// same crash loop. Not specified by the source material; chosen and
// documented here.
const StabilityWindow = 60 * time.Second

// Cap is the maximum wait interval between restarts.
const Cap = 60 * time.Second

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// realClock backs production use.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock { return realClock{} }

// Backoff tracks the restart schedule for a single worker or listener.
// Create one with New: a zero Backoff has no clock, so Started and Died
// panic on it.
type Backoff struct {
	clock     Clock
	interval  time.Duration
	deadline  time.Time
	startedAt time.Time
}

// New creates a Backoff using the given clock. A nil clock uses the
// system clock.
func New(clock Clock) *Backoff {
	if clock == nil {
		clock = RealClock()
	}
	return &Backoff{clock: clock}
}

// Started records that the process just (re)started successfully.
func (b *Backoff) Started() {
	b.startedAt = b.clock.Now()
}

// Died records a crash or non-zero exit and recomputes the wait interval.
// If the process survived at least StabilityWindow since its last Started
// call, the interval resets before growing, so a long-lived process that
// eventually dies is not punished for an unrelated earlier crash loop.
func (b *Backoff) Died() {
	now := b.clock.Now()
	if !b.startedAt.IsZero() && now.Sub(b.startedAt) >= StabilityWindow {
		b.interval = 0
	}

	if b.interval <= 0 {
		b.interval = time.Second
	} else {
		b.interval *= 2
	}
	if b.interval > Cap {
		b.interval = Cap
	}

	b.deadline = now.Add(b.interval)
}

// Wait reports whether a restart is still forbidden.
func (b *Backoff) Wait() bool {
	if b.deadline.IsZero() {
		return false
	}
	return b.clock.Now().Before(b.deadline)
}

// HowLong returns the remaining wait and true if Wait is true, or
// (0, false) when a restart is permitted now.
func (b *Backoff) HowLong() (time.Duration, bool) {
	if !b.Wait() {
		return 0, false
	}
	return b.deadline.Sub(b.clock.Now()), true
}

// Reset clears all recorded state, as if the Backoff were new.
func (b *Backoff) Reset() {
	b.interval = 0
	b.deadline = time.Time{}
	b.startedAt = time.Time{}
}
