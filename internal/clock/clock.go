// Package clock provides the single source of "now" the core consults,
// so tests can drive it deterministically without depending on wall-clock
// time (spec §5: the cycle is synchronous and reads "now" once).
package clock

import (
	"oss.indeed.com/go/libtime"
)

// Clock is re-exported so callers don't need to import libtime directly.
type Clock = libtime.Clock

// System returns the real wall-clock Clock, used by production platform
// implementations.
func System() Clock { return libtime.SystemClock() }

// NowSeconds adapts a libtime.Clock to the epoch-second reading the
// scheduler's Platform.Now() returns (spec §6: "now() -> seconds").
func NowSeconds(c Clock) int64 { return c.Now().Unix() }
