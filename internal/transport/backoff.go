package transport

import "time"

// BackoffPolicy computes reconnect probe delays: the base delay doubled on
// every failed probe, capped.
type BackoffPolicy struct {
	// Base is the delay before the first probe after going offline.
	Base time.Duration

	// Max caps the delay between probes.
	Max time.Duration
}

// DefaultBackoffPolicy returns the default reconnect policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 10 * time.Second, Max: 300 * time.Second}
}

// Delay returns the probe delay for a 0-indexed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
