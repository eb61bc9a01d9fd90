package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/email"
	"mailroom/internal/types"
)

// bounceLookback bounds the heuristic used when a bounce webhook arrives
// without a provider message ID: recently sent mail to the address is
// assumed to be what bounced.
const bounceLookback = 24 * time.Hour

// BounceAccountStore is the subset of the account repository used when
// processing bounces.
type BounceAccountStore interface {
	GetByEmail(ctx context.Context, emailAddr string) (*types.EmailAccount, error)
	IncrementBounceCount(ctx context.Context, userID string) (int, error)
	DisableNotifications(ctx context.Context, userID string) error
}

// BounceNotificationStore marks sent records as bounced.
type BounceNotificationStore interface {
	MarkBouncedByProviderMessageID(ctx context.Context, providerMessageID string) (string, error)
	MarkBouncedSince(ctx context.Context, recipientEmail string, since time.Time) ([]string, error)
}

// BounceHandler processes delivery failure feedback from the provider.
type BounceHandler struct {
	accounts      BounceAccountStore
	notifications BounceNotificationStore
	events        EventStore
	clock         types.Clock
	logger        types.Logger
}

// NewBounceHandler creates a BounceHandler.
func NewBounceHandler(
	accounts BounceAccountStore,
	notifications BounceNotificationStore,
	events EventStore,
	clock types.Clock,
	logger types.Logger,
) *BounceHandler {
	return &BounceHandler{
		accounts:      accounts,
		notifications: notifications,
		events:        events,
		clock:         clock,
		logger:        logger,
	}
}

// HandleBounce records a bounce against the recipient's account:
//
//  1. The account bounce counter increments. At the disable threshold the
//     master opt-in flag flips off, suppressing all future admission.
//  2. Affected sent records are reclassified as bounced. When the webhook
//     carries a provider message ID the exact record is marked; otherwise
//     every send to the address in the trailing lookback window is marked.
//  3. A bounce event is appended per affected record.
//
// A complaint (spam report) disables notifications immediately regardless
// of the bounce count.
func (h *BounceHandler) HandleBounce(ctx context.Context, recipientEmail string, bounceType types.BounceType, reason, providerMessageID string) error {
	account, err := h.accounts.GetByEmail(ctx, recipientEmail)
	if err != nil {
		return err
	}

	count, err := h.accounts.IncrementBounceCount(ctx, account.UserID)
	if err != nil {
		return err
	}

	if count >= types.MaxBouncesBeforeDisable {
		if err := h.accounts.DisableNotifications(ctx, account.UserID); err != nil {
			return err
		}
		h.logger.Warn("email notifications disabled after repeated bounces",
			"user_id", account.UserID,
			"recipient", email.RedactEmail(recipientEmail),
			"bounce_count", count,
		)
	}

	affected := h.markBounced(ctx, recipientEmail, providerMessageID)

	now := h.clock.Now()
	for _, notificationID := range affected {
		h.appendBounceEvent(ctx, notificationID, bounceType, reason, now)
	}

	h.logger.Info("bounce recorded",
		"user_id", account.UserID,
		"recipient", email.RedactEmail(recipientEmail),
		"bounce_type", string(bounceType),
		"bounce_count", count,
		"affected_records", len(affected),
	)
	return nil
}

// HandleComplaint processes a spam complaint: notifications are disabled
// immediately and a complaint event is appended for the exact record when
// identifiable.
func (h *BounceHandler) HandleComplaint(ctx context.Context, recipientEmail, providerMessageID string) error {
	account, err := h.accounts.GetByEmail(ctx, recipientEmail)
	if err != nil {
		return err
	}

	if err := h.accounts.DisableNotifications(ctx, account.UserID); err != nil {
		return err
	}

	if providerMessageID != "" {
		if notificationID, err := h.notifications.MarkBouncedByProviderMessageID(ctx, providerMessageID); err == nil {
			h.appendEvent(ctx, &types.EmailEvent{
				ID:             uuid.NewString(),
				NotificationID: notificationID,
				EventType:      types.EmailEventComplaint,
				OccurredAt:     h.clock.Now(),
			})
		}
	}

	h.logger.Warn("email notifications disabled after spam complaint",
		"user_id", account.UserID,
		"recipient", email.RedactEmail(recipientEmail),
	)
	return nil
}

// markBounced reclassifies the affected sent records, preferring the exact
// provider message ID over the trailing-window heuristic.
func (h *BounceHandler) markBounced(ctx context.Context, recipientEmail, providerMessageID string) []string {
	if providerMessageID != "" {
		notificationID, err := h.notifications.MarkBouncedByProviderMessageID(ctx, providerMessageID)
		if err == nil {
			return []string{notificationID}
		}
		h.logger.Warn("provider message ID did not match a sent record, falling back to recency window",
			"provider_message_id", providerMessageID,
			"error", err.Error(),
		)
	}

	since := h.clock.Now().Add(-bounceLookback)
	ids, err := h.notifications.MarkBouncedSince(ctx, recipientEmail, since)
	if err != nil {
		h.logger.Error("failed to mark recent sends as bounced",
			"recipient", email.RedactEmail(recipientEmail),
			"error", err.Error(),
		)
		return nil
	}
	return ids
}

func (h *BounceHandler) appendBounceEvent(ctx context.Context, notificationID string, bounceType types.BounceType, reason string, at time.Time) {
	h.appendEvent(ctx, &types.EmailEvent{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		EventType:      types.EmailEventBounce,
		Metadata: types.EventMetadata{
			BounceType:   string(bounceType),
			BounceReason: reason,
		},
		OccurredAt: at,
	})
}

func (h *BounceHandler) appendEvent(ctx context.Context, e *types.EmailEvent) {
	if err := h.events.Append(ctx, e); err != nil {
		h.logger.Error("failed to append email event",
			"error", err.Error(),
			"notification_id", e.NotificationID,
			"event_type", string(e.EventType),
		)
	}
}
