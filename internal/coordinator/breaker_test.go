package coordinator

import (
	"errors"
	"testing"
	"time"
)

var errDispatch = errors.New("dispatch failed")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newBreaker(3, 1, time.Hour)
	for i := 0; i < 2; i++ {
		if !b.allow() {
			t.Fatalf("breaker closed early at failure %d", i)
		}
		b.record(errDispatch)
	}
	if !b.allow() {
		t.Fatal("breaker should still allow before the threshold")
	}
	b.record(errDispatch)
	if b.allow() {
		t.Error("breaker should be open after threshold failures")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, 1, time.Hour)
	b.record(errDispatch)
	b.record(errDispatch)
	b.record(nil) // success wipes the streak
	b.record(errDispatch)
	b.record(errDispatch)
	if !b.allow() {
		t.Error("non-consecutive failures must not open the breaker")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := newBreaker(1, 2, 10*time.Millisecond)
	b.record(errDispatch)
	if b.allow() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.allow() {
		t.Fatal("breaker should probe after the cooldown")
	}
	// One success is not enough with successThreshold=2.
	b.record(nil)
	if !b.allow() {
		t.Fatal("half-open breaker should keep allowing probes")
	}
	b.record(nil)
	if b.state != breakerClosed {
		t.Errorf("state = %v, want closed after enough successes", b.state)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newBreaker(1, 1, 10*time.Millisecond)
	b.record(errDispatch)
	time.Sleep(20 * time.Millisecond)
	if !b.allow() {
		t.Fatal("breaker should probe after the cooldown")
	}
	b.record(errDispatch)
	if b.allow() {
		t.Error("a half-open failure must reopen immediately")
	}
}
