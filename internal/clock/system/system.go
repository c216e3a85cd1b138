// Package system provides a real clock implementation.
package system

import "time"

// Clock implements comics.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Callers convert it into a comic's zone.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock frozen at one instant.
type Fixed struct {
	At time.Time
}

// Now returns the frozen instant.
func (f Fixed) Now() time.Time {
	return f.At
}
