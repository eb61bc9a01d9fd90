package db

import (
	"context"
	"time"

	"mailroom/internal/types"
)

// EventRepository provides data access for the email_events table. Events
// are append-only: rows are never updated, and the only deletion path is the
// retention purge driven by the maintenance job.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new EventRepository backed by the given
// database connection (pool or transaction).
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts one email event. The caller must set ID and OccurredAt.
func (r *EventRepository) Append(ctx context.Context, e *types.EmailEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO email_events
		 (id, notification_id, event_type, metadata, ip_address, user_agent, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID,
		nilIfEmpty(e.NotificationID),
		string(e.EventType),
		e.Metadata,
		nilIfEmpty(e.IPAddress),
		nilIfEmpty(e.UserAgent),
		e.OccurredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append email event", err)
	}
	return nil
}

// ListBefore retrieves up to limit events older than the cutoff, oldest
// first. The maintenance job streams these into the archive before deleting.
func (r *EventRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.EmailEvent, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, notification_id, event_type, metadata, ip_address, user_agent, occurred_at
		 FROM email_events
		 WHERE occurred_at < $1
		 ORDER BY occurred_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list old email events", err)
	}
	defer rows.Close()

	var results []*types.EmailEvent
	for rows.Next() {
		var (
			e         types.EmailEvent
			notifID   *string
			ipAddress *string
			userAgent *string
		)
		if err := rows.Scan(&e.ID, &notifID, &e.EventType, &e.Metadata,
			&ipAddress, &userAgent, &e.OccurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan email event row", err)
		}
		if notifID != nil {
			e.NotificationID = *notifID
		}
		if ipAddress != nil {
			e.IPAddress = *ipAddress
		}
		if userAgent != nil {
			e.UserAgent = *userAgent
		}
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating email event rows", err)
	}
	return results, nil
}

// DeleteByIDs hard-deletes the given events. Called by the maintenance job
// only after the rows have been archived. Returns the count of deleted rows.
func (r *EventRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM email_events WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete email events", err)
	}
	return tag.RowsAffected(), nil
}
