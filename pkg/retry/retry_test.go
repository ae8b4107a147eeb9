package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func zeroDelay(maxRetries int) *Config {
	return FixedDelay(maxRetries, 0)
}

func TestFixedDelay(t *testing.T) {
	cfg := FixedDelay(10, time.Second)
	if cfg.MaxRetries != 10 {
		t.Errorf("expected MaxRetries=10, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != time.Second || cfg.MaxDelay != time.Second {
		t.Errorf("expected constant 1s delay, got initial=%v max=%v", cfg.InitialDelay, cfg.MaxDelay)
	}
	if cfg.Multiplier != 1.0 {
		t.Errorf("expected Multiplier=1.0, got %f", cfg.Multiplier)
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), zeroDelay(3), func() error {
		callCount++
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), zeroDelay(3), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("transient error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected no error after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	callCount := 0
	wantErr := errors.New("persistent error")
	err := Do(context.Background(), zeroDelay(2), func() error {
		callCount++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected last error returned, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", callCount)
	}
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := FixedDelay(3, time.Minute)

	callCount := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			callCount++
			return errors.New("fail")
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	got, err := DoWithResult(context.Background(), zeroDelay(3), func() (int, error) {
		callCount++
		if callCount < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

type permanentErr struct{}

func (permanentErr) Error() string     { return "bad input" }
func (permanentErr) IsRetryable() bool { return false }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"lock contention", errors.New("lock job:x: lock not acquired"), true},
		{"rate limit", errors.New("429 too many requests"), true},
		{"permanent data error", errors.New("missing primary key"), false},
		{"self-declared permanent", permanentErr{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDoIfRetryable_PermanentErrorReturnsImmediately(t *testing.T) {
	callCount := 0
	err := DoIfRetryable(context.Background(), zeroDelay(5), func() error {
		callCount++
		return errors.New("invariant violation")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call for a permanent error, got %d", callCount)
	}
}

func TestDoIfRetryable_TransientErrorRetries(t *testing.T) {
	callCount := 0
	err := DoIfRetryable(context.Background(), zeroDelay(5), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("i/o timeout")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}
