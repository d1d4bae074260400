// Package backoff provides the shared reconnect delay formula used by every
// retry surface in the notifier (SSE reconnect, killmail feed reconnect,
// static-info fetch). Tuning happens in one place.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential backoff delays with a jitter band.
// The delay for attempt n is min(Base * Factor^n, Cap) scaled by a random
// factor in [JitterLow, JitterHigh].
type Policy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration

	JitterLow  float64
	JitterHigh float64

	// Rand overrides the jitter source. Nil means math/rand. Tests set this.
	Rand func() float64
}

// Default returns the standard policy: 1s base, factor 2, 30s cap,
// 30%-50% jitter.
func Default() Policy {
	return Policy{
		Base:       time.Second,
		Factor:     2,
		Cap:        30 * time.Second,
		JitterLow:  1.3,
		JitterHigh: 1.5,
	}
}

// Delay returns the sleep duration for the given attempt number (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}

	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	jitter := p.JitterLow + r()*(p.JitterHigh-p.JitterLow)
	return time.Duration(d * jitter)
}
