package sessionreg

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyZeroValueSingleAttempt(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	if err == nil {
		t.Fatal("expected the error back")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicyRetriesUpToCount(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Count: 3, Backoff: time.Millisecond}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected the final error back")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 1 initial + 3 retries", calls)
	}
}

func TestRetryPolicySucceedsMidway(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Count: 5, Backoff: time.Millisecond}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	policy := RetryPolicy{
		Count:     5,
		Backoff:   time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicyHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{Count: 10, Backoff: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := policy.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
