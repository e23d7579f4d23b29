package execution

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("poly", 3, 30*time.Second)
	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if !cb.Allow() {
		t.Fatal("breaker opened below threshold")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker admitted a submission")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker("poly", 1, 30*time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("open breaker admitted a submission")
	}

	now = now.Add(31 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open after cooldown", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("half-open breaker rejected the probe")
	}
	if cb.Allow() {
		t.Fatal("half-open breaker admitted a second in-flight probe")
	}
}

func TestBreakerProbeOutcomes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker("poly", 1, 30*time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("probe rejected")
	}
	cb.RecordFailure() // failed probe reopens immediately
	if cb.Allow() {
		t.Fatal("breaker stayed admissive after failed probe")
	}

	now = now.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("second probe rejected")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after successful probe", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker rejected a submission")
	}
}
