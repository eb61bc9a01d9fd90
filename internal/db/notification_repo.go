package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// notificationColumns is the canonical column list for scanning full
// notification rows. Keep in sync with scanNotificationFromRows.
const notificationColumns = `id, user_id, template_key, recipient_email, subject, payload,
	priority, group_type, status, scheduled_for, retry_count, last_attempt_at,
	failure_reason, provider_message_id, sent_at, tracking_id, open_count,
	click_count, first_opened_at, first_clicked_at, created_at, updated_at`

// NotificationRepository provides data access for the notifications table.
// It is the only component that touches notification rows; the admission
// controller, dispatcher, retry manager, and event recorder all mutate
// records exclusively through this type.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new NotificationRepository backed by the
// given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a new notification record with status 'queued'. The caller
// must set ID, TrackingID, and ScheduledFor before calling; CreatedAt and
// UpdatedAt are stamped by the database and written back to the struct.
func (r *NotificationRepository) Create(ctx context.Context, n *types.NotificationRecord) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO notifications
		 (id, user_id, template_key, recipient_email, subject, payload,
		  priority, group_type, status, scheduled_for, tracking_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', $9, $10)
		 RETURNING created_at, updated_at`,
		n.ID,
		n.UserID,
		string(n.TemplateKey),
		n.RecipientEmail,
		n.Subject,
		n.Payload,
		string(n.Priority),
		nilIfEmpty(n.GroupType),
		n.ScheduledFor,
		n.TrackingID,
	)
	if err := row.Scan(&n.CreatedAt, &n.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	n.Status = types.NotificationQueued
	return nil
}

// GetByID retrieves a single notification record.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.NotificationRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification", err)
	}
	defer rows.Close()
	return scanOneNotification(rows)
}

// GetByTrackingID retrieves a notification record by its opaque tracking ID.
func (r *NotificationRepository) GetByTrackingID(ctx context.Context, trackingID string) (*types.NotificationRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE tracking_id = $1`,
		trackingID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification by tracking id", err)
	}
	defer rows.Close()
	return scanOneNotification(rows)
}

// GetDueBatch retrieves up to limit queued notifications with
// scheduled_for <= now, ordered by priority rank (high before medium before
// low) then created_at ascending. FIFO within a priority tier: ties are
// never reordered.
func (r *NotificationRepository) GetDueBatch(ctx context.Context, now time.Time, limit int) ([]*types.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE status = 'queued' AND scheduled_for <= $1
		 ORDER BY CASE priority
		     WHEN 'high' THEN 0
		     WHEN 'medium' THEN 1
		     WHEN 'low' THEN 2
		     ELSE 3
		 END, created_at ASC
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get due notifications", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// GetRetryBatch retrieves failed notifications that have not yet exhausted
// their retry budget. Backoff eligibility is evaluated by the retry manager,
// not in SQL, so the query stays on the partial status index.
func (r *NotificationRepository) GetRetryBatch(ctx context.Context, maxRetries int, limit int) ([]*types.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE status = 'failed' AND retry_count < $1
		 ORDER BY last_attempt_at ASC NULLS FIRST
		 LIMIT $2`,
		maxRetries,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get retry batch", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// CountSentSince counts notifications sent to a user since the given time.
// Used by the admission controller for the per-user hourly rate limit.
func (r *NotificationRepository) CountSentSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	row := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications
		 WHERE user_id = $1 AND status = 'sent' AND sent_at >= $2`,
		userID,
		since,
	)
	if err := row.Scan(&count); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count sent notifications", err)
	}
	return count, nil
}

// CountQueuedGroupSiblings counts queued notifications for the same
// (user, groupType) created since the given time. Used by the admission
// controller to decide whether a new low-priority notification should be
// deferred so the dispatcher can collapse the group into a digest.
func (r *NotificationRepository) CountQueuedGroupSiblings(ctx context.Context, userID string, groupType string, since time.Time) (int, error) {
	var count int
	row := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications
		 WHERE user_id = $1 AND group_type = $2 AND status = 'queued'
		   AND created_at >= $3`,
		userID,
		groupType,
		since,
	)
	if err := row.Scan(&count); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count group siblings", err)
	}
	return count, nil
}

// MarkSent transitions a single record to 'sent'. Only 'queued' and 'failed'
// records can move to 'sent'; the conditional WHERE enforces the forward-only
// state machine even under concurrent updates.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string, providerMessageID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET
			status = 'sent',
			sent_at = $1,
			provider_message_id = $2,
			last_attempt_at = $1,
			failure_reason = NULL,
			updated_at = NOW()
		 WHERE id = $3 AND status IN ('queued', 'failed')`,
		at,
		nilIfEmpty(providerMessageID),
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found or not sendable", nil)
	}
	return nil
}

// MarkSentBatch transitions every record in ids to 'sent' in a single
// statement. Digest delivery relies on this being one atomic UPDATE: either
// the whole group is marked sent or, on error, none of it is.
func (r *NotificationRepository) MarkSentBatch(ctx context.Context, ids []string, providerMessageID string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET
			status = 'sent',
			sent_at = $1,
			provider_message_id = $2,
			last_attempt_at = $1,
			failure_reason = NULL,
			updated_at = NOW()
		 WHERE id = ANY($3) AND status IN ('queued', 'failed')`,
		at,
		nilIfEmpty(providerMessageID),
		ids,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification batch sent", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeConflictConcurrent,
			"digest batch update affected unexpected row count",
			nil,
			map[string]any{"expected": len(ids), "affected": tag.RowsAffected()},
		)
	}
	return nil
}

// MarkFailed records a failed delivery attempt: status 'failed', retry_count
// incremented, last_attempt_at and failure_reason set. The conditional WHERE
// keeps terminal 'sent' and 'bounced' records untouched.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET
			status = 'failed',
			retry_count = retry_count + 1,
			last_attempt_at = $1,
			failure_reason = $2,
			updated_at = NOW()
		 WHERE id = $3 AND status IN ('queued', 'failed')`,
		at,
		nilIfEmpty(reason),
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found or already terminal", nil)
	}
	return nil
}

// Reschedule moves a queued record's scheduled_for forward. GREATEST enforces
// the invariant that scheduled_for is monotonically non-decreasing: a
// reschedule can never move a record earlier than its previous schedule.
func (r *NotificationRepository) Reschedule(ctx context.Context, id string, to time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET
			scheduled_for = GREATEST(scheduled_for, $1),
			updated_at = NOW()
		 WHERE id = $2 AND status = 'queued'`,
		to,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reschedule notification", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found or not queued", nil)
	}
	return nil
}

// MarkBounced terminally reclassifies a pre-send record as bounced. Used when
// the provider rejects the recipient synchronously (suppression list); the
// record never reached 'sent', so the webhook-driven paths do not apply.
func (r *NotificationRepository) MarkBounced(ctx context.Context, id string, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET
			status = 'bounced',
			last_attempt_at = $1,
			failure_reason = $2,
			updated_at = NOW()
		 WHERE id = $3 AND status IN ('queued', 'failed')`,
		at,
		nilIfEmpty(reason),
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification bounced", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found or already terminal", nil)
	}
	return nil
}

// RecordOpen increments the open counter for the record with the given
// tracking ID and sets first_opened_at only if unset. Duplicate pixel loads
// keep incrementing the counter but never touch the first-open timestamp.
// Returns the notification ID for event logging.
func (r *NotificationRepository) RecordOpen(ctx context.Context, trackingID string, at time.Time) (string, error) {
	var id string
	row := r.db.QueryRow(ctx,
		`UPDATE notifications SET
			open_count = open_count + 1,
			first_opened_at = COALESCE(first_opened_at, $1),
			updated_at = NOW()
		 WHERE tracking_id = $2
		 RETURNING id`,
		at,
		trackingID,
	)
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return "", types.NewAppError(types.ErrCodeNotFoundNotification, "unknown tracking id", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to record open", err)
	}
	return id, nil
}

// RecordClick increments the click counter for the record with the given
// tracking ID and sets first_clicked_at only if unset. Returns the
// notification ID for event logging.
func (r *NotificationRepository) RecordClick(ctx context.Context, trackingID string, at time.Time) (string, error) {
	var id string
	row := r.db.QueryRow(ctx,
		`UPDATE notifications SET
			click_count = click_count + 1,
			first_clicked_at = COALESCE(first_clicked_at, $1),
			updated_at = NOW()
		 WHERE tracking_id = $2
		 RETURNING id`,
		at,
		trackingID,
	)
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return "", types.NewAppError(types.ErrCodeNotFoundNotification, "unknown tracking id", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to record click", err)
	}
	return id, nil
}

// MarkBouncedByProviderMessageID reclassifies the single 'sent' record whose
// provider message ID matches the bounce webhook payload. Returns the ID of
// the affected record, or NotFound if the provider message ID is unknown.
func (r *NotificationRepository) MarkBouncedByProviderMessageID(ctx context.Context, providerMessageID string) (string, error) {
	var id string
	row := r.db.QueryRow(ctx,
		`UPDATE notifications SET
			status = 'bounced',
			updated_at = NOW()
		 WHERE provider_message_id = $1 AND status = 'sent'
		 RETURNING id`,
		providerMessageID,
	)
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return "", types.NewAppError(types.ErrCodeNotFoundNotification, "no sent notification for provider message id", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification bounced", err)
	}
	return id, nil
}

// MarkBouncedSince reclassifies all of a recipient's 'sent' records from the
// trailing window as 'bounced'. This is the best-effort fallback when the
// bounce webhook carries no provider message ID; it can misattribute bounces
// across concurrent messages to the same address. Returns the affected IDs.
func (r *NotificationRepository) MarkBouncedSince(ctx context.Context, recipientEmail string, since time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE notifications SET
			status = 'bounced',
			updated_at = NOW()
		 WHERE recipient_email = $1 AND status = 'sent' AND sent_at >= $2
		 RETURNING id`,
		recipientEmail,
		since,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark recent notifications bounced", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan bounced id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating bounced rows", err)
	}
	return ids, nil
}

// Stats aggregates queue observability counters over a trailing window.
// Used by the queue status endpoint; not correctness-critical.
func (r *NotificationRepository) Stats(ctx context.Context, now time.Time, window time.Duration) (*types.QueueStats, error) {
	stats := &types.QueueStats{
		Window:           window.String(),
		CountsByStatus:   make(map[string]int),
		QueuedByPriority: make(map[string]int),
		GeneratedAt:      now,
	}
	cutoff := now.Add(-window)

	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM notifications
		 WHERE created_at >= $1
		 GROUP BY status`,
		cutoff,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count notifications by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count", err)
		}
		stats.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status counts", err)
	}

	prioRows, err := r.db.Query(ctx,
		`SELECT priority, COUNT(*) FROM notifications
		 WHERE status = 'queued'
		 GROUP BY priority`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count queued by priority", err)
	}
	defer prioRows.Close()
	for prioRows.Next() {
		var priority string
		var count int
		if err := prioRows.Scan(&priority, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan priority count", err)
		}
		stats.QueuedByPriority[priority] = count
	}
	if err := prioRows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating priority counts", err)
	}

	var oldestQueued *time.Time
	var avgSeconds *float64
	row := r.db.QueryRow(ctx,
		`SELECT
			(SELECT MIN(created_at) FROM notifications WHERE status = 'queued'),
			(SELECT AVG(EXTRACT(EPOCH FROM (sent_at - created_at)))
			 FROM notifications
			 WHERE status = 'sent' AND sent_at >= $1)`,
		cutoff,
	)
	if err := row.Scan(&oldestQueued, &avgSeconds); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queue aggregates", err)
	}
	stats.OldestQueuedAt = oldestQueued
	stats.AvgTimeToSendSec = avgSeconds

	return stats, nil
}

// scanOneNotification consumes a single-row result set, returning NotFound
// when the set is empty.
func scanOneNotification(rows pgx.Rows) (*types.NotificationRecord, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "error reading notification row", err)
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	n, err := scanNotificationFromRows(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", err)
	}
	return n, nil
}

// scanNotifications collects all rows of a notification result set.
func scanNotifications(rows pgx.Rows) ([]*types.NotificationRecord, error) {
	var results []*types.NotificationRecord
	for rows.Next() {
		n, err := scanNotificationFromRows(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", err)
		}
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}
	return results, nil
}

// scanNotificationFromRows scans a single notifications row. Handles nullable
// columns using pointer types.
func scanNotificationFromRows(rows pgx.Rows) (*types.NotificationRecord, error) {
	var (
		n             types.NotificationRecord
		groupType     *string
		failureReason *string
		providerMsgID *string
	)

	err := rows.Scan(
		&n.ID,
		&n.UserID,
		&n.TemplateKey,
		&n.RecipientEmail,
		&n.Subject,
		&n.Payload,
		&n.Priority,
		&groupType,
		&n.Status,
		&n.ScheduledFor,
		&n.RetryCount,
		&n.LastAttemptAt,
		&failureReason,
		&providerMsgID,
		&n.SentAt,
		&n.TrackingID,
		&n.OpenCount,
		&n.ClickCount,
		&n.FirstOpenedAt,
		&n.FirstClickedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if groupType != nil {
		n.GroupType = *groupType
	}
	if failureReason != nil {
		n.FailureReason = *failureReason
	}
	if providerMsgID != nil {
		n.ProviderMessageID = *providerMsgID
	}

	return &n, nil
}
