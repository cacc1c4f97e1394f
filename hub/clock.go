package hub

import "github.com/benbjohnson/clock"

// Clock is the injectable time source every timer-driven component uses
// instead of calling time.Now/time.AfterFunc/time.NewTicker directly, so
// tests can drive debounce/keep-alive/timeout logic deterministically
// with clock.NewMock().
type Clock = clock.Clock

// Timer is the handle returned by Clock.AfterFunc/Clock.Timer.
type Timer = clock.Timer

// Ticker is the handle returned by Clock.Ticker.
type Ticker = clock.Ticker

// NewClock returns the production clock backed by real wall time.
func NewClock() Clock {
	return clock.New()
}
