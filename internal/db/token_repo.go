package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// TokenRepository provides data access for the unsubscribe_tokens table.
// Only SHA-256 hashes are stored; the raw token exists only in the email
// footer link. Consumption is a conditional single-row UPDATE, which is what
// enforces the single-use invariant under concurrent requests.
type TokenRepository struct {
	db DBTX
}

// NewTokenRepository creates a new TokenRepository backed by the given
// database connection (pool or transaction).
func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create inserts a new unsubscribe token row. The caller must set ID,
// TokenHash, UserID, and ExpiresAt.
func (r *TokenRepository) Create(ctx context.Context, t *types.UnsubscribeToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO unsubscribe_tokens
		 (id, token_hash, user_id, notification_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID,
		t.TokenHash,
		t.UserID,
		nilIfEmpty(t.NotificationID),
		t.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create unsubscribe token", err)
	}
	return nil
}

// GetByHash retrieves a token row by hash without consuming it. Used by the
// unsubscribe confirmation page (GET), which must not burn the token.
func (r *TokenRepository) GetByHash(ctx context.Context, tokenHash string) (*types.UnsubscribeToken, error) {
	var (
		t       types.UnsubscribeToken
		notifID *string
	)
	row := r.db.QueryRow(ctx,
		`SELECT id, token_hash, user_id, notification_id, used, used_at,
		        used_from_ip, expires_at, reason, feedback, created_at
		 FROM unsubscribe_tokens
		 WHERE token_hash = $1`,
		tokenHash,
	)
	var usedFromIP, reason, feedback *string
	err := row.Scan(
		&t.ID,
		&t.TokenHash,
		&t.UserID,
		&notifID,
		&t.Used,
		&t.UsedAt,
		&usedFromIP,
		&t.ExpiresAt,
		&reason,
		&feedback,
		&t.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, types.NewAppError(types.ErrCodeTrackingInvalidToken, "unsubscribe link is no longer valid", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get unsubscribe token", err)
	}
	if notifID != nil {
		t.NotificationID = *notifID
	}
	if usedFromIP != nil {
		t.UsedFromIP = *usedFromIP
	}
	if reason != nil {
		t.Reason = *reason
	}
	if feedback != nil {
		t.Feedback = *feedback
	}
	return &t, nil
}

// Consume atomically marks an unused, non-expired token as used and records
// the consumption metadata. Returns the consumed token, or InvalidToken if
// the hash is unknown, already used, or expired. The WHERE clause makes
// double consumption impossible even under concurrent requests.
func (r *TokenRepository) Consume(ctx context.Context, tokenHash string, at time.Time, fromIP, reason, feedback string) (*types.UnsubscribeToken, error) {
	var (
		t       types.UnsubscribeToken
		notifID *string
	)
	row := r.db.QueryRow(ctx,
		`UPDATE unsubscribe_tokens SET
			used = true,
			used_at = $1,
			used_from_ip = $2,
			reason = $3,
			feedback = $4
		 WHERE token_hash = $5 AND used = false AND expires_at > $1
		 RETURNING id, user_id, notification_id, expires_at, created_at`,
		at,
		nilIfEmpty(fromIP),
		nilIfEmpty(reason),
		nilIfEmpty(feedback),
		tokenHash,
	)
	err := row.Scan(&t.ID, &t.UserID, &notifID, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, types.NewAppError(types.ErrCodeTrackingInvalidToken, "unsubscribe link is no longer valid", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to consume unsubscribe token", err)
	}
	if notifID != nil {
		t.NotificationID = *notifID
	}
	t.TokenHash = tokenHash
	t.Used = true
	t.UsedAt = &at
	t.UsedFromIP = fromIP
	t.Reason = reason
	t.Feedback = feedback
	return &t, nil
}

// DeleteExpiredBefore hard-deletes expired tokens older than the cutoff.
// Used by the maintenance job. Returns the count of deleted rows.
func (r *TokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM unsubscribe_tokens WHERE expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired tokens", err)
	}
	return tag.RowsAffected(), nil
}
