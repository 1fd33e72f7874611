package supervisor

import "time"

// Backoff defaults (spec.md §4.5, §5).
const (
	BackoffBase       = 500 * time.Millisecond
	BackoffCap        = 30 * time.Second
	DefaultMaxRestarts = 10
	HealthyResetAfter  = 60 * time.Second
)

// Health probe defaults (spec.md §4.5): a Running plugin whose socket file
// is missing HealthProbeMaxFailures consecutive probes in a row is treated
// as crashed and killed, driving it through the normal Degraded/restart path.
const (
	HealthProbeInterval   = 5 * time.Second
	HealthProbeMaxFailures = 3
)

// backoffDelay computes min(cap, base * 2^restartCount) (spec.md §4.5,
// boundary behavior in §8). restartCount is clamped at 32 to avoid
// overflowing the shift.
func backoffDelay(restartCount int) time.Duration {
	if restartCount < 0 {
		restartCount = 0
	}
	if restartCount > 32 {
		restartCount = 32
	}
	delay := BackoffBase << uint(restartCount)
	if delay > BackoffCap || delay <= 0 {
		return BackoffCap
	}
	return delay
}
