package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_Sleep(t *testing.T) {
	clock := RealClock{}
	start := time.Now()
	if err := clock.Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Sleep() returned after %v, expected >= 10ms", elapsed)
	}
}

func TestRealClock_SleepCanceled(t *testing.T) {
	clock := RealClock{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := clock.Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Sleep() took %v after cancel", elapsed)
	}
}

func TestRealClock_SleepZero(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := (RealClock{}).Sleep(ctx, 0); err != nil {
		t.Errorf("Sleep(0) error = %v", err)
	}
	cancel()
	if err := (RealClock{}).Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep(0) on canceled ctx error = %v", err)
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	clock.Advance(time.Hour)
	if got := clock.Since(start); got != time.Hour {
		t.Errorf("Since() = %v, want 1h", got)
	}

	var hookCalls []int
	clock.OnSleep = func(n int, d time.Duration) { hookCalls = append(hookCalls, n) }

	ctx := context.Background()
	_ = clock.Sleep(ctx, 500*time.Millisecond)
	_ = clock.Sleep(ctx, 100*time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 500*time.Millisecond || sleeps[1] != 100*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if got := clock.Since(start); got != time.Hour+600*time.Millisecond {
		t.Errorf("Since() after sleeps = %v", got)
	}
	if len(hookCalls) != 2 || hookCalls[1] != 2 {
		t.Errorf("OnSleep calls = %v", hookCalls)
	}
}

func TestMockClock_SleepReportsCancellation(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	clock.OnSleep = func(int, time.Duration) { cancel() }

	if err := clock.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
}
