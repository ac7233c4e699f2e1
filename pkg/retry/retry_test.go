package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SuccessOnFirstTry(t *testing.T) {
	ctx := context.Background()
	retrier := NewDefaultRetrier()

	counter := 0
	operation := func() error {
		counter++
		return nil
	}

	err := retrier.Do(ctx, operation)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counter != 1 {
		t.Errorf("expected 1 attempt, got %d", counter)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	ctx := context.Background()
	retrier := NewRetrier(&Config{
		MaxRetries:    3,
		BackoffFactor: 1.0,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Jitter:        time.Millisecond,
	})

	counter := 0
	operation := func() error {
		counter++
		if counter < 3 {
			return errors.New("transient")
		}
		return nil
	}

	if err := retrier.Do(ctx, operation); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counter != 3 {
		t.Errorf("expected 3 attempts, got %d", counter)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	retrier := NewRetrier(&Config{
		MaxRetries:    2,
		BackoffFactor: 1.0,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Jitter:        time.Millisecond,
	})

	permanent := errors.New("permanent")
	counter := 0
	err := retrier.Do(ctx, func() error {
		counter++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if counter != 3 {
		t.Errorf("expected 3 attempts, got %d", counter)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	ctx := context.Background()
	retrier := NewRetrier(&Config{
		MaxRetries:    5,
		BackoffFactor: 1.0,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Jitter:        time.Millisecond,
	})

	badRequest := errors.New("http 400: bad request")
	counter := 0
	err := retrier.Do(ctx, func() error {
		counter++
		return Permanent(badRequest)
	})

	if !errors.Is(err, badRequest) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if counter != 1 {
		t.Errorf("expected a single attempt for a permanent error, got %d", counter)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retrier := NewRetrier(&Config{
		MaxRetries:    5,
		BackoffFactor: 1.0,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		Jitter:        time.Millisecond,
	})

	counter := 0
	operation := func() error {
		counter++
		cancel()
		return errors.New("transient")
	}

	err := retrier.Do(ctx, operation)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if counter != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", counter)
	}
}
