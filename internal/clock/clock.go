// Package clock provides the injectable time source. Schedulers, host
// trackers, and session records all take a crawler.Clock so tests can pin
// time; this package is the one real implementation.
package clock

import "time"

// System implements crawler.Clock with the wall clock, normalized to UTC so
// persisted timestamps compare cleanly across providers.
type System struct{}

// NewSystem returns the real clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time.
func (*System) Now() time.Time {
	return time.Now().UTC()
}
