package dispatch

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := time.Minute
	cap := time.Hour

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{6, 64 * time.Minute}, // over the cap
		{20, time.Hour},
	}

	for _, c := range cases {
		got := Backoff(base, cap, c.retryCount)
		want := c.want
		if want > cap {
			want = cap
		}
		if got != want {
			t.Errorf("Backoff(retryCount=%d): got %v, want %v", c.retryCount, got, want)
		}
	}
}

func TestBackoffZeroConfigUsesDefaults(t *testing.T) {
	if got := Backoff(0, 0, 0); got != time.Minute {
		t.Errorf("Expected 1m default base, got %v", got)
	}
	if got := Backoff(0, 0, 30); got != time.Hour {
		t.Errorf("Expected 1h default cap, got %v", got)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := Backoff(time.Minute, time.Hour, i)
		if d < prev {
			t.Fatalf("Backoff decreased at retryCount=%d: %v < %v", i, d, prev)
		}
		prev = d
	}
}
