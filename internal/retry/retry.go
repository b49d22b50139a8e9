// Package retry computes the optional retry-visibility backoff the
// Scheduler respects when selecting queued Jobs (spec §4.4 "Retry backoff").
//
// Grounded on internal/controlplane/jobs/retry.go's resolvedRetryPolicy /
// nextRetryDelay exponential-backoff shape, generalized from a
// (job-level, global) policy pair to the single per-StageRun policy this
// spec's Job/RetryPolicy model calls for.
package retry

import (
	"math"
	"time"
)

// Policy configures exponential backoff between attempts of one StageRun.
type Policy struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultPolicy matches the teacher's defaults: 5s initial, doubling, no cap.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 5 * time.Second,
		Multiplier:     2.0,
	}
}

// NextDelay returns the delay to wait before the job produced by
// failedAttempt becomes visible to the scheduler again.
func (p Policy) NextDelay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = DefaultPolicy().InitialBackoff
	}

	delay := time.Duration(float64(initial) * math.Pow(multiplier, float64(failedAttempt-1)))
	if delay <= 0 {
		delay = initial
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
