// Package timestamp provides a microsecond-resolution point in time used
// throughout evloop to timestamp I/O readiness and to schedule timers.
package timestamp

import (
	"fmt"
	"time"
)

// Timestamp represents a point in time as microseconds since the Unix epoch.
// The zero value is Invalid.
type Timestamp int64

// Invalid is the sentinel value of an uninitialized Timestamp.
const Invalid Timestamp = 0

const microSecondsPerSecond = 1000 * 1000

// Now returns the current time.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}

// Valid reports whether t holds an actual point in time.
func (t Timestamp) Valid() bool {
	return t > 0
}

// Add returns t advanced by the given number of seconds, which may be
// fractional and negative.
func (t Timestamp) Add(seconds float64) Timestamp {
	delta := int64(seconds * microSecondsPerSecond)
	return t + Timestamp(delta)
}

// MicroSecondsSinceEpoch returns the raw microsecond count.
func (t Timestamp) MicroSecondsSinceEpoch() int64 {
	return int64(t)
}

// Time converts the Timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// Before reports whether t occurs before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}

// After reports whether t occurs after other.
func (t Timestamp) After(other Timestamp) bool {
	return t > other
}

// Equal reports whether t and other represent the same instant.
func (t Timestamp) Equal(other Timestamp) bool {
	return t == other
}

// String formats t as RFC3339 with microsecond precision, or "invalid" for
// the zero value.
func (t Timestamp) String() string {
	if !t.Valid() {
		return "invalid"
	}
	tm := t.Time().UTC()
	return fmt.Sprintf("%s.%06dZ", tm.Format("2006-01-02T15:04:05"), tm.Nanosecond()/1000)
}
