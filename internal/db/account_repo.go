package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// AccountRepository provides access to the externally-owned users table,
// restricted to the email-related projection this service consumes. The only
// columns mutated here are email_notifications, email_bounce_count, and
// last_email_sent_at; everything else belongs to the account system.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// Get retrieves the email projection of a user record.
func (r *AccountRepository) Get(ctx context.Context, userID string) (*types.EmailAccount, error) {
	return r.scanAccount(r.db.QueryRow(ctx,
		`SELECT id, email, email_notifications, email_bounce_count,
		        last_email_sent_at, timezone, last_activity_at
		 FROM users
		 WHERE id = $1`,
		userID,
	))
}

// GetByEmail retrieves the email projection by recipient address. Used by
// bounce handling, where the webhook identifies the user only by address.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*types.EmailAccount, error) {
	return r.scanAccount(r.db.QueryRow(ctx,
		`SELECT id, email, email_notifications, email_bounce_count,
		        last_email_sent_at, timezone, last_activity_at
		 FROM users
		 WHERE email = $1`,
		email,
	))
}

// IncrementBounceCount adds one to the user's bounce counter and returns the
// new value. The read-back matters: the caller compares it against the
// disable threshold, and doing the increment in SQL keeps concurrent bounce
// webhooks from losing updates.
func (r *AccountRepository) IncrementBounceCount(ctx context.Context, userID string) (int, error) {
	var count int
	row := r.db.QueryRow(ctx,
		`UPDATE users SET
			email_bounce_count = email_bounce_count + 1
		 WHERE id = $1
		 RETURNING email_bounce_count`,
		userID,
	)
	if err := row.Scan(&count); err != nil {
		if err == pgx.ErrNoRows {
			return 0, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment bounce count", err)
	}
	return count, nil
}

// DisableNotifications flips the master opt-in flag off. Terminal for the
// user's email delivery until the account system re-enables it.
func (r *AccountRepository) DisableNotifications(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET email_notifications = false WHERE id = $1`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to disable notifications", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// UpdateLastEmailSentAt stamps the user's last successful send time.
func (r *AccountRepository) UpdateLastEmailSentAt(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET last_email_sent_at = $1 WHERE id = $2`,
		at,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update last email sent at", err)
	}
	return nil
}

func (r *AccountRepository) scanAccount(row pgx.Row) (*types.EmailAccount, error) {
	var (
		a        types.EmailAccount
		timezone *string
	)
	err := row.Scan(
		&a.UserID,
		&a.Email,
		&a.EmailNotifications,
		&a.EmailBounceCount,
		&a.LastEmailSentAt,
		&timezone,
		&a.LastActivityAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user email account", err)
	}
	if timezone != nil {
		a.Timezone = *timezone
	}
	return &a, nil
}
