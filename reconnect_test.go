package installws

import (
	"math"
	"testing"
	"time"
)

func TestBackoff_ExponentialWithCap(t *testing.T) {
	b := newBackoff(1*time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.delay(attempt); got != w {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoff_Monotonic(t *testing.T) {
	b := newBackoff(150*time.Millisecond, 10*time.Second)

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := b.delay(attempt)
		if d < prev {
			t.Fatalf("delay(%d) = %v is less than delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > 10*time.Second {
			t.Fatalf("delay(%d) = %v exceeds cap", attempt, d)
		}
		prev = d
	}
}

func TestBackoff_LargeAttemptDoesNotOverflow(t *testing.T) {
	b := newBackoff(time.Second, time.Duration(math.MaxInt64))

	if d := b.delay(200); d <= 0 {
		t.Errorf("delay(200) = %v, want positive", d)
	}
}

func TestBackoff_NegativeAttempt(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)

	if d := b.delay(-3); d != time.Second {
		t.Errorf("delay(-3) = %v, want 1s", d)
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	b := newBackoff(time.Second, 5*time.Second)
	b.jitter = 0.5

	for i := 0; i < 500; i++ {
		d := b.delay(1) // nominal 2s
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("jittered delay = %v, want within [1s, 3s]", d)
		}
	}
	for i := 0; i < 500; i++ {
		if d := b.delay(10); d > 5*time.Second {
			t.Fatalf("jittered delay = %v exceeds cap", d)
		}
	}
}
