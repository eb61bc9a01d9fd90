package dispatch

import (
	"context"
	"testing"

	"mailroom/internal/types"
)

func newDispatcherFixture(fx *executorFixture) *Dispatcher {
	return NewDispatcher(fx.store, fx.executor, queueConfig(), &mockClock{now: fx.now}, &mockLogger{})
}

func TestRunTick_EmptyQueue(t *testing.T) {
	fx := newExecutorFixture(midday)
	d := newDispatcherFixture(fx)

	stats, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats != (types.TickStats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestRunTick_ProcessesSingles(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.store.due = []*types.NotificationRecord{
		notification("n1", types.PriorityHigh),
		notification("n2", types.PriorityMedium),
	}
	d := newDispatcherFixture(fx)

	stats, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 2 || stats.Failed != 0 || stats.Grouped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(fx.provider.inputs) != 2 {
		t.Errorf("expected 2 transmissions, got %d", len(fx.provider.inputs))
	}
}

func TestRunTick_CollapsesDigestGroups(t *testing.T) {
	fx := newExecutorFixture(midday)

	likeA := notification("a", types.PriorityLow)
	likeA.GroupType = "likes"
	likeB := notification("b", types.PriorityLow)
	likeB.GroupType = "likes"
	solo := notification("c", types.PriorityMedium)

	fx.store.due = []*types.NotificationRecord{likeA, likeB, solo}
	d := newDispatcherFixture(fx)

	stats, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One digest transmission plus one individual send.
	if stats.Processed != 2 {
		t.Errorf("processed = %d, want 2", stats.Processed)
	}
	if stats.Grouped != 2 {
		t.Errorf("grouped = %d, want 2", stats.Grouped)
	}
	if len(fx.provider.inputs) != 2 {
		t.Errorf("expected 2 transmissions, got %d", len(fx.provider.inputs))
	}
	if len(fx.store.sentBatchIDs) != 2 {
		t.Errorf("batch-sent = %v", fx.store.sentBatchIDs)
	}
}

func TestRunTick_LoneGroupCandidateSendsIndividually(t *testing.T) {
	fx := newExecutorFixture(midday)

	lone := notification("a", types.PriorityLow)
	lone.GroupType = "likes"
	fx.store.due = []*types.NotificationRecord{lone}
	d := newDispatcherFixture(fx)

	stats, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 1 || stats.Grouped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(fx.store.sentIDs) != 1 {
		t.Errorf("sent ids = %v, want individual send", fx.store.sentIDs)
	}
}

func TestRunTick_LoneGroupCandidateKeepsBatchPosition(t *testing.T) {
	fx := newExecutorFixture(midday)

	// A lone digest candidate sits between two plain low-priority records.
	// Falling back to an individual send must not move it behind them.
	first := notification("a", types.PriorityLow)
	lone := notification("b", types.PriorityLow)
	lone.GroupType = "likes"
	last := notification("c", types.PriorityLow)

	fx.store.due = []*types.NotificationRecord{first, lone, last}
	d := newDispatcherFixture(fx)

	stats, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 3 || stats.Grouped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	want := []string{"a", "b", "c"}
	if len(fx.store.sentIDs) != len(want) {
		t.Fatalf("sent ids = %v, want %v", fx.store.sentIDs, want)
	}
	for i, id := range want {
		if fx.store.sentIDs[i] != id {
			t.Fatalf("send order = %v, want %v", fx.store.sentIDs, want)
		}
	}
}

func TestRunTick_GroupingByUserAndGroupType(t *testing.T) {
	fx := newExecutorFixture(midday)

	// Same group type, different users: never collapsed together.
	a := notification("a", types.PriorityLow)
	a.GroupType = "likes"
	b := notification("b", types.PriorityLow)
	b.GroupType = "likes"
	b.UserID = "user-2"

	fx.store.due = []*types.NotificationRecord{a, b}
	d := newDispatcherFixture(fx)

	stats, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Grouped != 0 {
		t.Errorf("grouped = %d, want 0 across users", stats.Grouped)
	}
	if stats.Processed != 2 {
		t.Errorf("processed = %d, want 2 individual sends", stats.Processed)
	}
}

func TestRunTick_FailuresDoNotAbortTick(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.renderer.err = types.NewAppError(types.ErrCodeInternalRender, "broken template", nil)
	fx.store.due = []*types.NotificationRecord{
		notification("n1", types.PriorityMedium),
		notification("n2", types.PriorityMedium),
	}
	d := newDispatcherFixture(fx)

	stats, err := d.RunTick(context.Background())
	if err != nil {
		t.Fatalf("tick must not abort on delivery failures: %v", err)
	}
	if stats.Failed != 2 {
		t.Errorf("failed = %d, want 2", stats.Failed)
	}
	if len(fx.store.failedIDs) != 2 {
		t.Errorf("failed ids = %v", fx.store.failedIDs)
	}
}
