package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_Until(t *testing.T) {
	clock := RealClock{}
	future := time.Now().Add(time.Hour)
	d := clock.Until(future)

	if d < 59*time.Minute {
		t.Errorf("Until() returned %v, expected >= 59m", d)
	}
}

func TestFrameClock_Advance(t *testing.T) {
	epoch := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewFrameClock(epoch)

	if !clock.Now().Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", clock.Now(), epoch)
	}

	clock.Advance(750 * time.Millisecond)
	clock.Advance(-time.Hour)
	clock.Sleep(250 * time.Millisecond)

	if got := clock.Elapsed(); got != time.Second {
		t.Errorf("Elapsed() = %v, want 1s", got)
	}
	if got := clock.Since(epoch); got != time.Second {
		t.Errorf("Since(epoch) = %v, want 1s", got)
	}
	if got := clock.Until(epoch.Add(3 * time.Second)); got != 2*time.Second {
		t.Errorf("Until() = %v, want 2s", got)
	}
}
