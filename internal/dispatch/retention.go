package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// retentionBatchSize bounds how many events one archive file holds.
const retentionBatchSize = 1000

// RetentionEventStore is the subset of the event repository used by the
// retention job.
type RetentionEventStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.EmailEvent, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// RetentionTokenStore purges expired unsubscribe tokens.
type RetentionTokenStore interface {
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob archives aged interaction events to zstd-compressed NDJSON
// files and then deletes them, and purges long-expired unsubscribe tokens.
// Events are only deleted after their archive file is durably written, so a
// failed archive never loses data.
type RetentionJob struct {
	events RetentionEventStore
	tokens RetentionTokenStore
	cfg    config.TrackingConfig
	clock  types.Clock
	logger types.Logger
}

// NewRetentionJob creates a RetentionJob.
func NewRetentionJob(events RetentionEventStore, tokens RetentionTokenStore, cfg config.TrackingConfig, clock types.Clock, logger types.Logger) *RetentionJob {
	return &RetentionJob{
		events: events,
		tokens: tokens,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Run executes one retention pass: batches of events past the retention
// window are archived then deleted until none remain, and expired tokens
// are purged.
func (j *RetentionJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	cutoff := now.Add(-j.cfg.EventRetention)

	archived := 0
	for {
		batch, err := j.events.ListBefore(ctx, cutoff, retentionBatchSize)
		if err != nil {
			return fmt.Errorf("list aged events: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		path, err := j.archive(batch, now, archived)
		if err != nil {
			// Keep the rows; the next run retries the archive.
			return fmt.Errorf("archive events: %w", err)
		}

		ids := make([]string, 0, len(batch))
		for _, e := range batch {
			ids = append(ids, e.ID)
		}
		deleted, err := j.events.DeleteByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("delete archived events: %w", err)
		}

		j.logger.Info("event batch archived",
			"archive", path,
			"events", len(batch),
			"deleted", deleted,
		)
		archived += len(batch)

		if len(batch) < retentionBatchSize {
			break
		}
	}

	tokensPurged, err := j.tokens.DeleteExpiredBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("purge expired tokens: %w", err)
	}

	if archived > 0 || tokensPurged > 0 {
		j.logger.Info("retention run complete",
			"events_archived", archived,
			"tokens_purged", tokensPurged,
		)
	}
	return nil
}

// archive writes one batch as zstd-compressed NDJSON and returns the file
// path. The file is synced before the caller deletes the source rows.
func (j *RetentionJob) archive(batch []*types.EmailEvent, now time.Time, seq int) (string, error) {
	if err := os.MkdirAll(j.cfg.ArchiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	name := fmt.Sprintf("email_events_%s_%06d.ndjson.zst", now.Format("20060102T150405Z"), seq)
	path := filepath.Join(j.cfg.ArchiveDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return "", fmt.Errorf("encode event %s: %w", e.ID, err)
		}
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync archive: %w", err)
	}
	return path, nil
}
