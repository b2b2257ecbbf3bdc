// Package system provides the wall clock used to stamp persisted rows.
package system

import "time"

// Clock implements link.Clock using the wall clock, in UTC with microsecond
// precision so stamps round-trip through Postgres unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Fixed is a clock that always reports the same instant.
type Fixed time.Time

// Now returns the fixed instant in UTC.
func (f Fixed) Now() time.Time {
	return time.Time(f).UTC()
}
