// Package clock provides wall-clock helpers and the receiver's 12MHz
// sample-count timestamp unit used throughout the coordinator.
package clock

import "time"

// SamplesPerSecond is the Beast receiver's timestamp clock rate: 12MHz.
const SamplesPerSecond = 12_000_000

// TS converts a duration expressed in seconds into the receiver's sample-count
// units, matching message.timestamp's resolution.
func TS(seconds float64) uint64 {
	return uint64(seconds * SamplesPerSecond)
}

// Now returns the current wall-clock time as a float64 number of seconds,
// the unit the coordinator's deadlines (next_report, next_expiry, reconnect
// deadlines) are expressed in.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
