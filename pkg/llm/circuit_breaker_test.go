package llm

import (
	"testing"
	"time"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
	allowed, err := cb.Allow()
	if !allowed || err != nil {
		t.Errorf("expected allow, got allowed=%v err=%v", allowed, err)
	}
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 3, ResetAfter: time.Hour})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected still closed after 2 failures, got %v", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}
	if allowed, err := cb.Allow(); allowed || err == nil {
		t.Errorf("expected blocked call, got allowed=%v err=%v", allowed, err)
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Hour})
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, success resets the failure streak, got %v", cb.State())
	}
	if cb.ConsecutiveFailures() != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", cb.ConsecutiveFailures())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Millisecond})
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	// First call after the reset window becomes the probe.
	if allowed, err := cb.Allow(); !allowed || err != nil {
		t.Fatalf("expected probe allowed, got allowed=%v err=%v", allowed, err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	// Concurrent calls during the probe stay blocked.
	if allowed, _ := cb.Allow(); allowed {
		t.Error("expected second call blocked while half-open")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Millisecond})
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if allowed, _ := cb.Allow(); !allowed {
		t.Fatal("expected probe allowed")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("expected reopened after failed probe, got %v", cb.State())
	}
}
