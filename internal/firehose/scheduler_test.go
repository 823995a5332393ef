package firehose

import (
	"context"
	"testing"
	"time"
)

func TestFakeSchedulerRunsFnAndFiresTimers(t *testing.T) {
	s := NewFakeScheduler()

	ran := make(chan struct{})
	if err := s.PinAndSpawn(0, func(ctx context.Context) { close(ran) }); err != nil {
		t.Fatalf("PinAndSpawn: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("expected PinAndSpawn to run fn")
	}

	fired := 0
	s.TimerAfter(1000, func() { fired++ })
	cancel := s.TimerAfter(1000, func() { fired++ })
	cancel()

	if s.PendingTimers() != 1 {
		t.Fatalf("expected 1 pending timer after cancelling one, got %d", s.PendingTimers())
	}

	s.FireAll()
	if fired != 1 {
		t.Fatalf("expected exactly 1 fired timer, got %d", fired)
	}
	if s.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers after FireAll")
	}
}

func TestOSSchedulerPinAndSpawnRunsFnOnPinnedThread(t *testing.T) {
	s := NewOSScheduler()

	done := make(chan struct{})
	err := s.PinAndSpawn(0, func(ctx context.Context) {
		close(done)
	})
	if err != nil {
		t.Fatalf("PinAndSpawn: %v", err)
	}
	<-done
}

func TestOSSchedulerTimerAfterFiresAndCancels(t *testing.T) {
	s := NewOSScheduler()

	fired := make(chan struct{})
	s.TimerAfter(int64(time.Millisecond), func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected timer to fire within 1s")
	}

	canceledFired := false
	cancel := s.TimerAfter(int64(50*time.Millisecond), func() { canceledFired = true })
	cancel()
	time.Sleep(100 * time.Millisecond)
	if canceledFired {
		t.Fatal("expected cancelled timer to never fire")
	}
}
