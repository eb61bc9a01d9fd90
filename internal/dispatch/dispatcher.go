// Package dispatch drains the notification queue: the dispatcher picks due
// records each tick, the executor performs delivery attempts, the retry
// manager re-drives failed records with exponential backoff, and the
// scheduler owns the loop lifecycle.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// DispatcherStore is the subset of the notification repository used by the
// dispatch tick.
type DispatcherStore interface {
	GetDueBatch(ctx context.Context, now time.Time, limit int) ([]*types.NotificationRecord, error)
}

// groupKey buckets digest candidates by recipient and group type.
type groupKey struct {
	userID    string
	groupType string
}

// Dispatcher drains due notifications in priority order. Low-priority
// records sharing a group type are collapsed into digests; everything else
// is delivered individually.
type Dispatcher struct {
	store    DispatcherStore
	executor *Executor
	cfg      config.QueueConfig
	clock    types.Clock
	logger   types.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store DispatcherStore, executor *Executor, cfg config.QueueConfig, clock types.Clock, logger types.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		executor: executor,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// RunTick processes one dispatch cycle: fetch due queued records (priority
// rank, then admission order), collapse digest groups of two or more, and
// deliver the rest individually. Individual delivery failures never abort
// the tick; they are counted and the tick continues.
func (d *Dispatcher) RunTick(ctx context.Context) (types.TickStats, error) {
	now := d.clock.Now()

	batch, err := d.store.GetDueBatch(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return types.TickStats{}, fmt.Errorf("fetch due batch: %w", err)
	}
	if len(batch) == 0 {
		return types.TickStats{}, nil
	}

	singles, groups := d.partition(batch)

	var stats types.TickStats

	for _, members := range groups {
		result := d.executor.SendGroupedEmail(ctx, members)
		switch {
		case result.Success:
			stats.Processed++
			stats.Grouped += len(members)
		case result.Rescheduled:
			stats.Rescheduled += len(members)
		default:
			stats.Failed += len(members)
		}
	}

	for _, n := range singles {
		result := d.executor.SendEmail(ctx, n)
		switch {
		case result.Success:
			stats.Processed++
		case result.Rescheduled:
			stats.Rescheduled++
		default:
			stats.Failed++
		}
	}

	d.logger.Info("dispatch tick complete",
		"batch_size", len(batch),
		"processed", stats.Processed,
		"failed", stats.Failed,
		"grouped", stats.Grouped,
		"rescheduled", stats.Rescheduled,
	)
	return stats, nil
}

// partition splits a due batch into individual sends and digest groups.
// Only low-priority records with a group type are digest candidates, and a
// bucket needs at least two members to collapse. A lone candidate is
// delivered individually in its original batch position: the batch arrives
// priority-ranked then FIFO, and partitioning must not reorder it.
func (d *Dispatcher) partition(batch []*types.NotificationRecord) ([]*types.NotificationRecord, map[groupKey][]*types.NotificationRecord) {
	counts := make(map[groupKey]int)
	for _, n := range batch {
		if n.Priority == types.PriorityLow && n.GroupType != "" {
			counts[groupKey{userID: n.UserID, groupType: n.GroupType}]++
		}
	}

	var singles []*types.NotificationRecord
	groups := make(map[groupKey][]*types.NotificationRecord)
	for _, n := range batch {
		if n.Priority == types.PriorityLow && n.GroupType != "" {
			k := groupKey{userID: n.UserID, groupType: n.GroupType}
			if counts[k] >= 2 {
				groups[k] = append(groups[k], n)
				continue
			}
		}
		singles = append(singles, n)
	}
	return singles, groups
}
