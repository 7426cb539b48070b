// Package turnclock measures elapsed time within one conversational turn.
// Handles ride on Go's monotonic clock: pure measurement, never blocks,
// never fails.
package turnclock

import "time"

// Handle marks the instant a turn started.
type Handle struct {
	start time.Time
}

// Start captures the current instant.
func Start() Handle {
	return Handle{start: time.Now()}
}

// Elapsed reports time since the handle was started.
func (h Handle) Elapsed() time.Duration {
	return time.Since(h.start)
}

// ElapsedMs reports elapsed whole milliseconds, for outcomes and events.
func (h Handle) ElapsedMs() int64 {
	return h.Elapsed().Milliseconds()
}

// Crossed reports whether the threshold has elapsed since start.
func (h Handle) Crossed(threshold time.Duration) bool {
	return h.Elapsed() >= threshold
}

// Until reports the time remaining before the threshold is crossed, clamped
// at zero. Used to arm timers relative to turn start rather than to now.
func (h Handle) Until(threshold time.Duration) time.Duration {
	rem := threshold - h.Elapsed()
	if rem < 0 {
		return 0
	}
	return rem
}
