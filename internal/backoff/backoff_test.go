package backoff

import (
	"testing"
	"time"
)

// fixedRand returns a Rand source that always yields v.
func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestDelay_FirstAttempt(t *testing.T) {
	p := Default()
	p.Rand = fixedRand(0) // jitter = JitterLow

	want := time.Duration(float64(time.Second) * 1.3)
	if d := p.Delay(0); d != want {
		t.Errorf("Delay(0) = %v, want base*1.3 = %v", d, want)
	}
}

func TestDelay_ExponentialGrowth(t *testing.T) {
	p := Default()
	p.Rand = fixedRand(0)

	prev := p.Delay(0)
	for attempt := 1; attempt < 5; attempt++ {
		d := p.Delay(attempt)
		if d != prev*2 {
			t.Errorf("Delay(%d) = %v, want double of %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestDelay_CapAppliesBeforeJitter(t *testing.T) {
	p := Default()
	p.Rand = fixedRand(1) // jitter = JitterHigh

	// Attempt 10 would be 1024s uncapped; the cap is 30s, so the delay is
	// 30s * 1.5 = 45s.
	want := time.Duration(float64(30*time.Second) * 1.5)
	if d := p.Delay(10); d != want {
		t.Errorf("Delay(10) = %v, want %v", d, want)
	}
}

func TestDelay_JitterWithinBand(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			base := time.Second
			for j := 0; j < attempt; j++ {
				base *= 2
				if base >= 30*time.Second {
					base = 30 * time.Second
					break
				}
			}
			low := time.Duration(float64(base) * 1.3)
			high := time.Duration(float64(base) * 1.5)
			if d < low || d > high {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, low, high)
			}
		}
	}
}

func TestDelay_NegativeAttemptClamped(t *testing.T) {
	p := Default()
	p.Rand = fixedRand(0)
	if got, want := p.Delay(-3), p.Delay(0); got != want {
		t.Errorf("Delay(-3) = %v, want Delay(0) = %v", got, want)
	}
}

func TestDefault_Values(t *testing.T) {
	p := Default()
	if p.Base != time.Second {
		t.Errorf("Base = %v, want 1s", p.Base)
	}
	if p.Factor != 2 {
		t.Errorf("Factor = %v, want 2", p.Factor)
	}
	if p.Cap != 30*time.Second {
		t.Errorf("Cap = %v, want 30s", p.Cap)
	}
	if p.JitterLow != 1.3 || p.JitterHigh != 1.5 {
		t.Errorf("jitter band = [%v, %v], want [1.3, 1.5]", p.JitterLow, p.JitterHigh)
	}
}
