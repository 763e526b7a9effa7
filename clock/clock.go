// Package clock provides the two session clocks: a monotonic session clock
// that is the source of all wire timestamps and jitter math, and a wall-clock
// UTC instant captured once at session start for naming the recording
// directory and populating metadata. The two are never mixed.
package clock

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TimeProvider is an interface for getting the current time and creating
// tickers. This allows injecting a mock time provider for deterministic
// testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker creates a new ticker that fires at the given interval.
	NewTicker(d time.Duration) *time.Ticker
	// NewTimer creates a new timer that fires after the given duration.
	NewTimer(d time.Duration) *time.Timer
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// NewTicker creates a new ticker using the standard library.
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// NewTimer creates a new timer using the standard library.
func (RealTimeProvider) NewTimer(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}

// SessionClock issues session-relative timestamps. The zero point is the
// monotonic instant the session started; wire timestamps are the elapsed
// milliseconds truncated to 32 bits. Wraparound at ~49.7 days is not handled.
type SessionClock struct {
	start    time.Time
	startUTC time.Time
	provider TimeProvider
}

// NewSessionClock captures the session start instant. The wall-clock UTC
// start is recorded once, here, and used only for metadata.
func NewSessionClock(provider TimeProvider) *SessionClock {
	if provider == nil {
		provider = RealTimeProvider{}
	}
	start := provider.Now()

	logrus.WithFields(logrus.Fields{
		"function":  "NewSessionClock",
		"start_utc": start.UTC().Format(time.RFC3339),
	}).Info("Session clock started")

	return &SessionClock{
		start:    start,
		startUTC: start.UTC(),
		provider: provider,
	}
}

// NowMs returns the session-relative timestamp in milliseconds, truncated to
// 32 bits for the wire.
func (c *SessionClock) NowMs() uint32 {
	return uint32(c.provider.Now().Sub(c.start).Milliseconds())
}

// NowMs64 returns the session-relative timestamp in milliseconds without
// truncation, for sync-exchange arithmetic.
func (c *SessionClock) NowMs64() uint64 {
	return uint64(c.provider.Now().Sub(c.start).Milliseconds())
}

// Elapsed returns the time since session start.
func (c *SessionClock) Elapsed() time.Duration {
	return c.provider.Now().Sub(c.start)
}

// StartUTC returns the wall-clock UTC instant captured at session start.
// Metadata only; never used for wire timestamps.
func (c *SessionClock) StartUTC() time.Time {
	return c.startUTC
}

// DirectoryName formats the session start for the recording directory,
// YYYY-MM-DD_HH-MM-SS.
func (c *SessionClock) DirectoryName() string {
	return c.startUTC.Format("2006-01-02_15-04-05")
}
