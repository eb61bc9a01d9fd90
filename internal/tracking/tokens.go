package tracking

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/types"
)

// TokenStore is the subset of the token repository used by the issuer.
type TokenStore interface {
	Create(ctx context.Context, t *types.UnsubscribeToken) error
}

// GenerateSecureToken generates a cryptographically secure raw token.
// Format: 32 random hex bytes (64 hex chars). The raw value is embedded in
// the email footer and never persisted.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate unsubscribe token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken produces a hex-encoded SHA-256 hash of a raw token string.
// SHA-256 (not bcrypt) because the hash must be searchable in the database:
// the unsubscribe endpoint looks the row up by hash.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenIssuer mints single-use unsubscribe tokens. Only the hash is stored;
// the raw token travels exactly once, inside the rendered email.
type TokenIssuer struct {
	tokens TokenStore
	ttl    time.Duration
	clock  types.Clock
}

// NewTokenIssuer creates a TokenIssuer. ttl bounds how long a footer link
// stays usable.
func NewTokenIssuer(tokens TokenStore, ttl time.Duration, clock types.Clock) *TokenIssuer {
	return &TokenIssuer{
		tokens: tokens,
		ttl:    ttl,
		clock:  clock,
	}
}

// Issue mints a new token bound to the user (and optionally the notification
// that carried it) and returns the raw value for embedding.
func (i *TokenIssuer) Issue(ctx context.Context, userID, notificationID string) (string, error) {
	raw, err := GenerateSecureToken()
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to generate unsubscribe token",
			err,
		)
	}

	now := i.clock.Now()
	record := &types.UnsubscribeToken{
		ID:             uuid.NewString(),
		TokenHash:      HashToken(raw),
		UserID:         userID,
		NotificationID: notificationID,
		ExpiresAt:      now.Add(i.ttl),
		CreatedAt:      now,
	}

	if err := i.tokens.Create(ctx, record); err != nil {
		return "", err
	}
	return raw, nil
}
