// Package admission decides whether and when a notification enters the
// delivery queue. The controller is the single write path for new
// notification records: opt-in and bounce suppression happen here, and the
// scheduled send time is fixed here (later reschedules only push it forward).
package admission

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"mailroom/internal/config"
	"mailroom/internal/email"
	"mailroom/internal/types"
)

// EnqueueParams is the caller-facing input for admitting one notification.
type EnqueueParams struct {
	UserID         string            `json:"user_id" validate:"required"`
	TemplateKey    types.TemplateKey `json:"template_key" validate:"required"`
	RecipientEmail string            `json:"recipient_email" validate:"required,email"`
	Subject        string            `json:"subject" validate:"required,max=500"`
	Payload        types.JSONMap     `json:"payload"`
	Priority       types.Priority    `json:"priority" validate:"required"`
	GroupType      string            `json:"group_type,omitempty" validate:"omitempty,max=100"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty"`
}

// NotificationStore is the subset of the notification repository used at
// admission time.
type NotificationStore interface {
	Create(ctx context.Context, n *types.NotificationRecord) error
	CountSentSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountQueuedGroupSiblings(ctx context.Context, userID string, groupType string, since time.Time) (int, error)
}

// AccountStore is the subset of the account repository used at admission time.
type AccountStore interface {
	Get(ctx context.Context, userID string) (*types.EmailAccount, error)
}

// PreferenceStore is the subset of the preferences repository used at
// admission time.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (*types.EmailPreferences, error)
}

// Controller admits notifications into the queue.
type Controller struct {
	notifications NotificationStore
	accounts      AccountStore
	preferences   PreferenceStore
	policy        *SendTimePolicy
	cfg           config.QueueConfig
	validate      *validator.Validate
	clock         types.Clock
	logger        types.Logger
}

// NewController creates an admission Controller.
func NewController(
	notifications NotificationStore,
	accounts AccountStore,
	preferences PreferenceStore,
	policy *SendTimePolicy,
	cfg config.QueueConfig,
	clock types.Clock,
	logger types.Logger,
) *Controller {
	return &Controller{
		notifications: notifications,
		accounts:      accounts,
		preferences:   preferences,
		policy:        policy,
		cfg:           cfg,
		validate:      validator.New(),
		clock:         clock,
		logger:        logger,
	}
}

// Enqueue validates the request, applies suppression rules, computes the
// scheduled send time, and persists a queued notification record.
//
// Suppression (checked in order, all priorities):
//  1. Master opt-in flag off -> ErrCodeNotificationOptedOut
//  2. Bounce count at or above the disable threshold -> ErrCodeNotificationBounceSuppressed
//  3. Category preference off for the template's category -> ErrCodeNotificationOptedOut
//
// Scheduling (first matching rule wins):
//  1. Explicit ScheduledFor -> used verbatim
//  2. Preferences muted until a future time (non-high) -> deferred to that time
//  3. More than the hourly send cap already sent in the trailing hour
//     (non-high) -> deferred one hour
//  4. Low priority with a queued group sibling inside the group window ->
//     deferred by the group window so the dispatcher can collapse them
//  5. Otherwise -> the policy's optimal send time
func (c *Controller) Enqueue(ctx context.Context, params EnqueueParams) (*types.NotificationRecord, error) {
	if err := c.validate.Struct(params); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid enqueue request",
			err,
		)
	}
	if !params.Priority.Valid() {
		return nil, types.NewAppError(
			types.ErrCodeValidationPriority,
			"priority must be high, medium, or low",
			nil,
		)
	}
	if _, ok := types.TemplateCategories[params.TemplateKey]; !ok && params.TemplateKey != types.TemplateDigest {
		return nil, types.NewAppError(
			types.ErrCodeValidationTemplateKey,
			"unknown template key",
			nil,
		)
	}

	account, err := c.accounts.Get(ctx, params.UserID)
	if err != nil {
		return nil, err
	}

	if !account.EmailNotifications {
		return nil, types.NewAppError(
			types.ErrCodeNotificationOptedOut,
			"user has opted out of email notifications",
			nil,
		)
	}

	if account.EmailBounceCount >= types.MaxBouncesBeforeDisable {
		return nil, types.NewAppError(
			types.ErrCodeNotificationBounceSuppressed,
			"recipient address has exceeded the bounce threshold",
			nil,
		)
	}

	prefs, err := c.preferences.Get(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	if category, ok := types.TemplateCategories[params.TemplateKey]; ok && !prefs.CategoryEnabled(category) {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeNotificationOptedOut,
			"user has disabled this notification category",
			nil,
			map[string]any{"category": string(category)},
		)
	}

	scheduledFor, err := c.scheduledFor(ctx, params, account, prefs)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	record := &types.NotificationRecord{
		ID:             uuid.NewString(),
		UserID:         params.UserID,
		TemplateKey:    params.TemplateKey,
		RecipientEmail: params.RecipientEmail,
		Subject:        params.Subject,
		Payload:        params.Payload,
		Priority:       params.Priority,
		GroupType:      params.GroupType,
		Status:         types.NotificationQueued,
		ScheduledFor:   scheduledFor,
		TrackingID:     uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := c.notifications.Create(ctx, record); err != nil {
		return nil, err
	}

	c.logger.Info("notification admitted",
		"notification_id", record.ID,
		"user_id", record.UserID,
		"template_key", string(record.TemplateKey),
		"priority", string(record.Priority),
		"recipient", email.RedactEmail(record.RecipientEmail),
		"scheduled_for", scheduledFor.Format(time.RFC3339),
	)

	return record, nil
}

// scheduledFor applies the scheduling rules in precedence order.
func (c *Controller) scheduledFor(ctx context.Context, params EnqueueParams, account *types.EmailAccount, prefs *types.EmailPreferences) (time.Time, error) {
	if params.ScheduledFor != nil {
		return params.ScheduledFor.UTC(), nil
	}

	now := c.clock.Now()

	if params.Priority != types.PriorityHigh {
		if prefs.MuteUntil != nil && prefs.MuteUntil.After(now) {
			return prefs.MuteUntil.UTC(), nil
		}

		sent, err := c.notifications.CountSentSince(ctx, params.UserID, now.Add(-time.Hour))
		if err != nil {
			return time.Time{}, err
		}
		if sent > c.cfg.MaxEmailsPerHour {
			return now.Add(time.Hour), nil
		}
	}

	if params.Priority == types.PriorityLow && params.GroupType != "" {
		siblings, err := c.notifications.CountQueuedGroupSiblings(ctx, params.UserID, params.GroupType, now.Add(-c.cfg.GroupWindow))
		if err != nil {
			return time.Time{}, err
		}
		if siblings >= 1 {
			return now.Add(c.cfg.GroupWindow), nil
		}
	}

	return c.policy.OptimalSendTime(account, params.Priority), nil
}
