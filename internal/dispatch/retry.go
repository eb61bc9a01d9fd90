package dispatch

import (
	"context"
	"fmt"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// RetryStore is the subset of the notification repository used by the retry
// pass.
type RetryStore interface {
	GetRetryBatch(ctx context.Context, maxRetries int, limit int) ([]*types.NotificationRecord, error)
}

// RetryManager re-drives failed notifications with exponential backoff.
// Records at the retry cap are never fetched again and stay terminally
// failed.
type RetryManager struct {
	store    RetryStore
	executor *Executor
	cfg      config.QueueConfig
	clock    types.Clock
	logger   types.Logger
}

// NewRetryManager creates a RetryManager.
func NewRetryManager(store RetryStore, executor *Executor, cfg config.QueueConfig, clock types.Clock, logger types.Logger) *RetryManager {
	return &RetryManager{
		store:    store,
		executor: executor,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Eligible reports whether a failed record's backoff has elapsed:
// now >= last attempt + base * 2^retryCount. A record with no recorded
// attempt time is immediately eligible.
func (m *RetryManager) Eligible(n *types.NotificationRecord, now time.Time) bool {
	if n.LastAttemptAt == nil {
		return true
	}
	backoff := m.cfg.RetryBackoffBase * (1 << n.RetryCount)
	return !now.Before(n.LastAttemptAt.Add(backoff))
}

// RunRetryPass fetches failed records below the retry cap and re-attempts
// the eligible ones. Returns the number of records re-attempted.
func (m *RetryManager) RunRetryPass(ctx context.Context) (int, error) {
	batch, err := m.store.GetRetryBatch(ctx, m.cfg.MaxRetryAttempts, m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch retry batch: %w", err)
	}

	now := m.clock.Now()
	attempted := 0
	recovered := 0

	for _, n := range batch {
		if !m.Eligible(n, now) {
			continue
		}
		attempted++
		if result := m.executor.SendEmail(ctx, n); result.Success {
			recovered++
		}
	}

	if attempted > 0 {
		m.logger.Info("retry pass complete",
			"candidates", len(batch),
			"attempted", attempted,
			"recovered", recovered,
		)
	}
	return attempted, nil
}
