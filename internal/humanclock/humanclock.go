// Package humanclock tests whether the current wall-clock hour lies inside a
// configured working-hours window, with support for windows that wrap past
// midnight.
package humanclock

import "time"

// Active reports whether hour h (0-23) falls within [start, end). start ==
// end is treated as "all day". When start > end the window wraps past
// midnight: active if h >= start or h < end.
func Active(start, end, h int) bool {
	if start == end {
		return true
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// ActiveNow reports whether the current local hour falls within the window.
func ActiveNow(start, end int) bool {
	return Active(start, end, time.Now().Hour())
}

// UntilOpen computes the duration until the window next opens, as measured
// from now. Returns 0 if the window is currently active.
func UntilOpen(start, end int) time.Duration {
	return untilOpenFrom(start, end, time.Now())
}

func untilOpenFrom(start, end int, now time.Time) time.Duration {
	if Active(start, end, now.Hour()) {
		return 0
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), start, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
