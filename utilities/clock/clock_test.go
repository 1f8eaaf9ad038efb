package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	early := c.After(time.Second)
	late := c.After(time.Minute)

	c.Advance(2 * time.Second)

	select {
	case fired := <-early:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Errorf("expected fire time %v, got %v", start.Add(2*time.Second), fired)
		}
	default:
		t.Fatal("expected the 1s waiter to fire after advancing 2s")
	}

	select {
	case <-late:
		t.Fatal("the 1m waiter should still be pending")
	default:
	}

	if c.Pending() != 1 {
		t.Errorf("expected 1 pending waiter, got %d", c.Pending())
	}
}

func TestSleepReturnsOnCancel(t *testing.T) {
	c := Fake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, c, time.Hour); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSleepZeroDurationDoesNotBlock(t *testing.T) {
	if err := Sleep(context.Background(), Real(), 0); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
