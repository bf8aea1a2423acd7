package ari

import (
	"math/rand"
	"testing"
	"time"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := nextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := nextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := nextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := nextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterStaysBounded(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt <= 10; attempt++ {
		got := nextBackoffDelay(cfg, attempt, rng)
		if got < 0 || got > 3*time.Second/2 {
			t.Fatalf("attempt %d delay out of bounds: %v", attempt, got)
		}
	}
}

func TestNextBackoffDelayZeroInitial(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 0, Multiplier: 2.0}
	if got := nextBackoffDelay(cfg, 5, nil); got != 0 {
		t.Fatalf("zero initial delay should stay zero, got %v", got)
	}
}
