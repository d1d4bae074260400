package coordinator

import (
	"sync"
	"time"
)

// breakerState follows the usual closed → open → half-open cycle.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker guards one chat destination against a consistently slow or failing
// transport: after FailureThreshold consecutive-window failures the breaker
// opens and dispatches are skipped (with a counter increment) until the
// cooldown elapses.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	successes   int
	lastFailure time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

func newBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *breaker {
	return &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// allow reports whether a dispatch may proceed, transitioning open →
// half-open after the cooldown.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = breakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// record feeds a dispatch outcome back into the breaker.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		switch b.state {
		case breakerClosed:
			if b.failures >= b.failureThreshold {
				b.state = breakerOpen
			}
		case breakerHalfOpen:
			b.state = breakerOpen
		}
		return
	}
	switch b.state {
	case breakerClosed:
		b.failures = 0
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = breakerClosed
			b.failures = 0
		}
	}
}
