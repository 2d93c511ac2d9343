package dispatch

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, InitialDelay: time.Second, MaxDelay: 30 * time.Second}

	want := map[int]time.Duration{
		1: 0,
		2: 1 * time.Second,
		3: 2 * time.Second,
		4: 4 * time.Second,
		5: 8 * time.Second,
		6: 16 * time.Second,
		7: 30 * time.Second, // capped, 32 > 30
		8: 30 * time.Second,
	}
	for attempt, d := range want {
		if got := p.Delay(attempt); got != d {
			t.Errorf("Delay(%d)=%v, expected %v", attempt, got, d)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
	if !p.ShouldRetry(1) || !p.ShouldRetry(2) {
		t.Fatal("attempts below MaxRetries must be retryable")
	}
	if p.ShouldRetry(3) || p.ShouldRetry(4) {
		t.Fatal("attempt >= MaxRetries must not be retryable")
	}
}
