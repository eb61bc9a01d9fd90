package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mailroom/internal/types"
)

// PreferencesRepository provides data access for the email_preferences table.
// Rows are created lazily on first write; a user with no row has the implicit
// default of everything enabled. Rows are never hard-deleted: unsubscribing
// stamps unsubscribed_at and flips the category flags off.
type PreferencesRepository struct {
	db DBTX
}

// NewPreferencesRepository creates a new PreferencesRepository backed by the
// given database connection (pool or transaction).
func NewPreferencesRepository(db DBTX) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

// Get retrieves a user's email preferences. If the user has never written a
// preference row, the implicit defaults are returned (not an error).
func (r *PreferencesRepository) Get(ctx context.Context, userID string) (*types.EmailPreferences, error) {
	var p types.EmailPreferences
	row := r.db.QueryRow(ctx,
		`SELECT user_id, social, coins, content, engagement, marketplace,
		        security, moderation, digest_frequency, mute_until,
		        unsubscribed_at, created_at, updated_at
		 FROM email_preferences
		 WHERE user_id = $1`,
		userID,
	)
	err := row.Scan(
		&p.UserID,
		&p.Social,
		&p.Coins,
		&p.Content,
		&p.Engagement,
		&p.Marketplace,
		&p.Security,
		&p.Moderation,
		&p.DigestFrequency,
		&p.MuteUntil,
		&p.UnsubscribedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return types.DefaultPreferences(userID), nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get email preferences", err)
	}
	return &p, nil
}

// Upsert writes a full preference row, creating it if the user has none.
func (r *PreferencesRepository) Upsert(ctx context.Context, p *types.EmailPreferences) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO email_preferences
		 (user_id, social, coins, content, engagement, marketplace, security,
		  moderation, digest_frequency, mute_until, unsubscribed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id) DO UPDATE SET
			social = EXCLUDED.social,
			coins = EXCLUDED.coins,
			content = EXCLUDED.content,
			engagement = EXCLUDED.engagement,
			marketplace = EXCLUDED.marketplace,
			security = EXCLUDED.security,
			moderation = EXCLUDED.moderation,
			digest_frequency = EXCLUDED.digest_frequency,
			mute_until = EXCLUDED.mute_until,
			unsubscribed_at = EXCLUDED.unsubscribed_at,
			updated_at = NOW()`,
		p.UserID,
		p.Social,
		p.Coins,
		p.Content,
		p.Engagement,
		p.Marketplace,
		p.Security,
		p.Moderation,
		string(p.DigestFrequency),
		p.MuteUntil,
		p.UnsubscribedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert email preferences", err)
	}
	return nil
}

// DisableAll flips every category flag off and stamps unsubscribed_at. Used
// by the unsubscribe cascade. Creates the row if the user has none, so a
// user who unsubscribes before ever touching their settings still gets a
// durable opt-out record.
func (r *PreferencesRepository) DisableAll(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO email_preferences
		 (user_id, social, coins, content, engagement, marketplace, security,
		  moderation, digest_frequency, unsubscribed_at)
		 VALUES ($1, false, false, false, false, false, false, false, 'instant', $2)
		 ON CONFLICT (user_id) DO UPDATE SET
			social = false,
			coins = false,
			content = false,
			engagement = false,
			marketplace = false,
			security = false,
			moderation = false,
			unsubscribed_at = $2,
			updated_at = NOW()`,
		userID,
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to disable email preferences", err)
	}
	return nil
}
