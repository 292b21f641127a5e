package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealClockSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on a cancelled context")
	}
}

func TestRealClockSleepElapses(t *testing.T) {
	if err := (RealClock{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := (RealClock{}).Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero Sleep: %v", err)
	}
}

func TestMockClockRecordsSleeps(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ctx := context.Background()
	_ = c.Sleep(ctx, 10*time.Millisecond)
	_ = c.Sleep(ctx, 50*time.Millisecond)
	c.Advance(time.Second)

	sleeps := c.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 10*time.Millisecond || sleeps[1] != 50*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if got, want := c.Now(), start.Add(1060*time.Millisecond); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestMockClockSleepCancelled(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Second); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if len(c.Sleeps()) != 0 {
		t.Error("cancelled sleep should not be recorded")
	}
}
