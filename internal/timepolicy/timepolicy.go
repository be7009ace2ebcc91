// Package timepolicy produces randomized "next check" timestamps so that
// probes are jittered across the day/week instead of synchronizing into a
// thundering herd. All three helpers are pure functions of "now" plus the
// process-global math/rand source.
package timepolicy

import (
	"math/rand"
	"time"
)

// Today returns a uniformly random instant strictly later than now and
// strictly earlier than local midnight the following day. Used when an
// instance is first discovered, or when a missed check is rescheduled on
// startup.
func Today(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	window := midnight.Sub(now)
	if window <= 0 {
		// now is already at/after midnight boundary computation; fall back to
		// a single second of slack so callers always get a strictly later time.
		return now.Add(time.Second)
	}
	// Offset by 1ns so the result is never equal to now.
	return now.Add(time.Nanosecond + randDuration(window-time.Nanosecond))
}

// Daily returns a uniformly random instant within the next 24 hours
// starting from now.
func Daily(now time.Time) time.Time {
	return now.Add(randDuration(24 * time.Hour))
}

// Weekly returns a uniformly random instant within the next 7 days starting
// from now.
func Weekly(now time.Time) time.Time {
	return now.Add(randDuration(7 * 24 * time.Hour))
}

// InAboutSixHours returns now plus six hours, with a small jitter (±5
// minutes) to keep the list-generator firing time from lining up exactly
// with other fixed six-hour timers.
func InAboutSixHours(now time.Time) time.Time {
	jitter := time.Duration(rand.Int63n(int64(10*time.Minute))) - 5*time.Minute
	return now.Add(6*time.Hour + jitter)
}

// randDuration returns a uniformly random duration in [0, window).
func randDuration(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window)))
}
