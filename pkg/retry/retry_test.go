package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowsToCeilingThenHolds(t *testing.T) {
	p := Policy{Initial: 2 * time.Second, Multiplier: 2.0, Ceiling: 10 * time.Second}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // clamped
		{5, 10 * time.Second}, // holds
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestDelayStrictlyIncreasesBelowCeiling(t *testing.T) {
	p := Policy{Initial: time.Second, Multiplier: 2.0, Ceiling: time.Hour}
	prev := time.Duration(0)
	for f := 1; f <= 10; f++ {
		d := p.Delay(f)
		if d <= prev {
			t.Fatalf("Delay(%d) = %v, not greater than Delay(%d) = %v", f, d, f-1, prev)
		}
		prev = d
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 2.0, Ceiling: 5 * time.Millisecond}
	calls := 0
	errBoom := errors.New("boom")

	err := p.Do(context.Background(), nil, func(context.Context) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("Do() error = %v, want %v", err, errBoom)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoSucceedsMidway(t *testing.T) {
	p := Policy{MaxAttempts: 5, Initial: time.Millisecond, Multiplier: 2.0}
	calls := 0

	err := p.Do(context.Background(), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoAbortsOnPermanentError(t *testing.T) {
	p := Policy{MaxAttempts: 5, Initial: time.Millisecond, Multiplier: 2.0}
	errPermanent := errors.New("rejected")
	calls := 0

	err := p.Do(context.Background(), func(err error) bool {
		return !errors.Is(err, errPermanent)
	}, func(context.Context) error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Errorf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (no retry on permanent)", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 10, Initial: time.Hour, Multiplier: 2.0}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, nil, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestBackoffTracksFailureStreak(t *testing.T) {
	b := NewBackoff(Policy{Initial: time.Second, Multiplier: 2.0, Ceiling: 4 * time.Second})

	if got := b.Next(); got != time.Second {
		t.Errorf("first Next() = %v", got)
	}
	if got := b.Next(); got != 2*time.Second {
		t.Errorf("second Next() = %v", got)
	}
	if b.Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", b.Failures())
	}

	b.Next()
	b.Next()
	if got := b.Next(); got != 4*time.Second {
		t.Errorf("Next() past ceiling = %v, want hold at 4s", got)
	}

	b.Reset()
	if b.Failures() != 0 {
		t.Errorf("Failures() after Reset = %d", b.Failures())
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want initial", got)
	}
}
