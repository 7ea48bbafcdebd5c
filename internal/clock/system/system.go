// Package system provides clock implementations for extraction fallbacks and run stamps.
package system

import "time"

// Clock reads the wall clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always reports the same instant. Tests and replays use it.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time {
	return f.At
}
