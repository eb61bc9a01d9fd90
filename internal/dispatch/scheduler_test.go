package dispatch

import (
	"context"
	"testing"
	"time"

	"mailroom/internal/types"
)

func newTestScheduler(fx *executorFixture, dispatchInterval time.Duration) *Scheduler {
	cfg := queueConfig()
	cfg.DispatchInterval = dispatchInterval
	cfg.RetryInterval = time.Hour

	dispatcher := NewDispatcher(fx.store, fx.executor, cfg, &mockClock{now: fx.now}, &mockLogger{})
	retry := NewRetryManager(fx.store, fx.executor, cfg, &mockClock{now: fx.now}, &mockLogger{})
	return NewScheduler(dispatcher, retry, nil, nil, cfg, &mockLogger{})
}

func TestScheduler_TicksAndStops(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.store.due = []*types.NotificationRecord{notification("n1", types.PriorityHigh)}

	s := newTestScheduler(fx, 5*time.Millisecond)
	s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for fx.provider.sendCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduler never dispatched")
		case <-time.After(time.Millisecond):
		}
	}

	s.Stop()
}

func TestScheduler_StopBeforeStartIsSafe(t *testing.T) {
	fx := newExecutorFixture(midday)
	s := newTestScheduler(fx, time.Minute)
	s.Stop()
	s.Stop()
}

func TestScheduler_DoubleStartIsNoop(t *testing.T) {
	fx := newExecutorFixture(midday)
	s := newTestScheduler(fx, time.Minute)

	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
}

func TestScheduler_ContextCancelStopsLoop(t *testing.T) {
	fx := newExecutorFixture(midday)
	s := newTestScheduler(fx, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	// The loop exits on context cancellation; Stop must still return.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
