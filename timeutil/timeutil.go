// Package timeutil provides small time helpers used throughout the core for
// back-off scheduling: picking the most recent of several timestamps, and a
// restartable one-shot timer.
package timeutil

import "time"

// MostRecent returns the latest of the given timestamps, or the zero Time if
// ts is empty.
func MostRecent(ts ...time.Time) time.Time {
	var latest time.Time
	for _, t := range ts {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// MaxDuration returns the larger of a and b.
func MaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
