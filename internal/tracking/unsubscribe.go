package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/types"
)

// UnsubscribeTokenStore is the subset of the token repository used by the
// unsubscribe flow.
type UnsubscribeTokenStore interface {
	GetByHash(ctx context.Context, tokenHash string) (*types.UnsubscribeToken, error)
	Consume(ctx context.Context, tokenHash string, at time.Time, fromIP, reason, feedback string) (*types.UnsubscribeToken, error)
}

// UnsubscribePreferenceStore disables every category preference.
type UnsubscribePreferenceStore interface {
	DisableAll(ctx context.Context, userID string, at time.Time) error
}

// UnsubscribeAccountStore flips the master opt-in flag off.
type UnsubscribeAccountStore interface {
	DisableNotifications(ctx context.Context, userID string) error
}

// UnsubscribeService consumes one-time footer tokens and applies the full
// opt-out cascade.
type UnsubscribeService struct {
	tokens      UnsubscribeTokenStore
	preferences UnsubscribePreferenceStore
	accounts    UnsubscribeAccountStore
	events      EventStore
	clock       types.Clock
	logger      types.Logger
}

// NewUnsubscribeService creates an UnsubscribeService.
func NewUnsubscribeService(
	tokens UnsubscribeTokenStore,
	preferences UnsubscribePreferenceStore,
	accounts UnsubscribeAccountStore,
	events EventStore,
	clock types.Clock,
	logger types.Logger,
) *UnsubscribeService {
	return &UnsubscribeService{
		tokens:      tokens,
		preferences: preferences,
		accounts:    accounts,
		events:      events,
		clock:       clock,
		logger:      logger,
	}
}

// Lookup resolves a raw token to its record without consuming it. Used by
// the confirmation page. Used or expired tokens surface as
// ErrCodeTrackingInvalidToken.
func (s *UnsubscribeService) Lookup(ctx context.Context, rawToken string) (*types.UnsubscribeToken, error) {
	token, err := s.tokens.GetByHash(ctx, HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if token.Used || !token.ExpiresAt.After(s.clock.Now()) {
		return nil, types.NewAppError(
			types.ErrCodeTrackingInvalidToken,
			"unsubscribe link is no longer valid",
			nil,
		)
	}
	return token, nil
}

// RecordUnsubscribe consumes the token and applies the opt-out cascade:
// every category preference off, the unsubscribe timestamp set, and the
// master opt-in flag flipped. The token consume is conditional on it being
// unused and unexpired, so a replay cannot double-apply.
func (s *UnsubscribeService) RecordUnsubscribe(ctx context.Context, rawToken, reason, feedback, fromIP string) error {
	now := s.clock.Now()

	token, err := s.tokens.Consume(ctx, HashToken(rawToken), now, fromIP, reason, feedback)
	if err != nil {
		return err
	}

	if err := s.preferences.DisableAll(ctx, token.UserID, now); err != nil {
		return err
	}
	if err := s.accounts.DisableNotifications(ctx, token.UserID); err != nil {
		return err
	}

	s.appendEvent(ctx, &types.EmailEvent{
		ID:             uuid.NewString(),
		NotificationID: token.NotificationID,
		EventType:      types.EmailEventUnsubscribe,
		Metadata: types.EventMetadata{
			Reason:   reason,
			Feedback: feedback,
		},
		IPAddress:  fromIP,
		OccurredAt: now,
	})

	s.logger.Info("user unsubscribed",
		"user_id", token.UserID,
		"reason", reason,
	)
	return nil
}

func (s *UnsubscribeService) appendEvent(ctx context.Context, e *types.EmailEvent) {
	if err := s.events.Append(ctx, e); err != nil {
		s.logger.Error("failed to append email event",
			"error", err.Error(),
			"notification_id", e.NotificationID,
			"event_type", string(e.EventType),
		)
	}
}
