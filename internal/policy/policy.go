// Package policy holds the heartbeat-rate rule and the remediation policies
// run when the supervisor enters emergency mode.
package policy

import (
	"context"
	"time"
)

// DefaultRateCheckInterval is how often a watcher samples the heartbeat rate.
const DefaultRateCheckInterval = 500 * time.Millisecond

// InstantRate converts the gap since the last heartbeat into whole heartbeats
// per second: 1 / (elapsed_ms / 1000), truncated. ok is false when elapsed
// rounds to zero milliseconds, meaning the rate is unbounded.
func InstantRate(elapsed time.Duration) (rate uint64, ok bool) {
	ms := elapsed.Milliseconds()
	if ms <= 0 {
		return 0, false
	}
	return uint64(1000 / float64(ms)), true
}

// ViolatesMinimum reports whether elapsed silence breaks a minimum rate.
// A minimum of zero never violates.
func ViolatesMinimum(elapsed time.Duration, minRate uint16) bool {
	if minRate == 0 {
		return false
	}
	rate, ok := InstantRate(elapsed)
	if !ok {
		return false
	}
	return rate < uint64(minRate)
}

// Remediation is a pluggable reaction run once when the supervisor degrades.
type Remediation interface {
	// ID returns unique identifier (e.g., "log", "notify-ops").
	ID() string

	// Apply performs the remediation. reason describes what degraded the supervisor.
	Apply(ctx context.Context, reason string) error
}
