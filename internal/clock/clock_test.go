package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	var ticks []time.Time
	f.OnSleep(func(now time.Time) { ticks = append(ticks, now) })

	if err := f.Sleep(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	f.Advance(time.Minute)

	if got := f.Now(); !got.Equal(start.Add(time.Minute + 2*time.Second)) {
		t.Errorf("unexpected now %v", got)
	}
	if f.Slept() != 2*time.Second {
		t.Errorf("expected 2s slept, got %v", f.Slept())
	}
	if len(ticks) != 1 {
		t.Errorf("expected one tick, got %d", len(ticks))
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (Real{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	f := NewFake(time.Now())
	if err := f.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from fake, got %v", err)
	}
	if f.Slept() != 0 {
		t.Errorf("cancelled sleep must not advance the clock")
	}
}
