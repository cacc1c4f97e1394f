package hub

import "sync/atomic"

// appSendHealth tracks one App transport's send success/failure streak
// and implements a lightweight circuit breaker so a dead or backed-up
// App isn't retried on every relay: after consecutive failures reach
// the configured threshold the breaker opens and sends are skipped
// except for a periodic probe attempt.
type appSendHealth struct {
	failures atomic.Uint32 // consecutive send failures
	skips    atomic.Uint32 // skips since the breaker opened; drives probe cadence
}

// shouldSkip reports whether the breaker is open and it is not yet time
// for a probe send.
func (h *appSendHealth) shouldSkip(threshold, probeInterval uint32) bool {
	if threshold == 0 || h.failures.Load() < threshold {
		return false
	}
	if probeInterval == 0 {
		probeInterval = 1
	}
	s := h.skips.Add(1)
	return s%probeInterval != 0
}

// recordFailure increments the consecutive failure counter.
func (h *appSendHealth) recordFailure() {
	h.failures.Add(1)
}

// recordSuccess resets the failure and skip counters.
func (h *appSendHealth) recordSuccess() {
	h.failures.Store(0)
	h.skips.Store(0)
}
