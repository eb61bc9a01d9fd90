package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/admission"
	"mailroom/internal/config"
	"mailroom/internal/email"
	"mailroom/internal/external"
	"mailroom/internal/types"
)

// rescheduledQuietHours is the non-fatal result error reported when a due
// notification lands inside the recipient's quiet hours at send time.
const rescheduledQuietHours = "Rescheduled due to quiet hours"

// ExecutorNotificationStore is the subset of the notification repository
// used during delivery.
type ExecutorNotificationStore interface {
	MarkSent(ctx context.Context, id string, providerMessageID string, at time.Time) error
	MarkSentBatch(ctx context.Context, ids []string, providerMessageID string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) error
	MarkBounced(ctx context.Context, id string, reason string, at time.Time) error
	Reschedule(ctx context.Context, id string, to time.Time) error
}

// ExecutorAccountStore resolves recipient accounts and records last-send
// bookkeeping.
type ExecutorAccountStore interface {
	Get(ctx context.Context, userID string) (*types.EmailAccount, error)
	UpdateLastEmailSentAt(ctx context.Context, userID string, at time.Time) error
}

// EventStore is the append-only interaction log.
type EventStore interface {
	Append(ctx context.Context, e *types.EmailEvent) error
}

// Renderer produces the pre-instrumentation email content.
type Renderer interface {
	Render(key types.TemplateKey, payload types.JSONMap) (*types.RenderedEmail, error)
}

// Instrumenter applies tracking rewrites to rendered HTML.
type Instrumenter interface {
	Instrument(htmlBody, trackingID, rawUnsubToken string) string
}

// TokenMinter issues single-use unsubscribe tokens.
type TokenMinter interface {
	Issue(ctx context.Context, userID, notificationID string) (string, error)
}

// Executor performs individual delivery attempts: quiet-hours recheck,
// render, instrument, transmit, and state transition. It never returns an
// error to its caller; every outcome is expressed in the DeliveryResult and
// persisted on the record.
type Executor struct {
	notifications ExecutorNotificationStore
	accounts      ExecutorAccountStore
	events        EventStore
	renderer      Renderer
	instrumenter  Instrumenter
	tokens        TokenMinter
	provider      external.EmailProvider
	policy        *admission.SendTimePolicy
	emailCfg      config.EmailConfig
	clock         types.Clock
	logger        types.Logger
}

// ExecutorConfig holds the dependencies for creating an Executor.
type ExecutorConfig struct {
	Notifications ExecutorNotificationStore
	Accounts      ExecutorAccountStore
	Events        EventStore
	Renderer      Renderer
	Instrumenter  Instrumenter
	Tokens        TokenMinter
	Provider      external.EmailProvider
	Policy        *admission.SendTimePolicy
	EmailConfig   config.EmailConfig
	Clock         types.Clock
	Logger        types.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		notifications: cfg.Notifications,
		accounts:      cfg.Accounts,
		events:        cfg.Events,
		renderer:      cfg.Renderer,
		instrumenter:  cfg.Instrumenter,
		tokens:        cfg.Tokens,
		provider:      cfg.Provider,
		policy:        cfg.Policy,
		emailCfg:      cfg.EmailConfig,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}
}

// SendEmail attempts delivery of a single notification.
//
// A non-high-priority record that has drifted into the recipient's quiet
// hours since admission is rescheduled (scheduled_for only moves forward)
// and reported as a non-fatal reschedule without touching the retry count.
// Any other failure marks the record failed with the reason persisted and
// the retry count incremented.
func (e *Executor) SendEmail(ctx context.Context, n *types.NotificationRecord) types.DeliveryResult {
	now := e.clock.Now()

	account, err := e.accounts.Get(ctx, n.UserID)
	if err != nil {
		return e.fail(ctx, n, fmt.Sprintf("account lookup failed: %v", err))
	}

	if n.Priority != types.PriorityHigh && e.policy.InQuietHours(now, account.Timezone) {
		// Only queued records carry a schedule to push forward. A failed
		// record arriving via the retry pass is paced by its backoff, so the
		// conditional reschedule would touch zero rows.
		if n.Status == types.NotificationQueued {
			resume := e.policy.NextResume(now, account.Timezone)
			if err := e.notifications.Reschedule(ctx, n.ID, resume); err != nil {
				e.logger.Error("failed to reschedule for quiet hours",
					"notification_id", n.ID,
					"error", err.Error(),
				)
			}
		}
		return types.DeliveryResult{Rescheduled: true, Error: rescheduledQuietHours}
	}

	rendered, err := e.renderer.Render(n.TemplateKey, n.Payload)
	if err != nil {
		return e.fail(ctx, n, fmt.Sprintf("render failed: %v", err))
	}
	if n.Subject != "" {
		rendered.Subject = n.Subject
	}

	input := e.buildInput(ctx, n, rendered)

	msgID, err := e.provider.Send(ctx, input)
	if err != nil {
		if email.IsBlocklistError(err) {
			return e.bounceAll(ctx, []*types.NotificationRecord{n}, err.Error())
		}
		return e.fail(ctx, n, err.Error())
	}

	return e.succeed(ctx, []*types.NotificationRecord{n}, msgID)
}

// SendGroupedEmail collapses two or more low-priority notifications of the
// same (user, group type) into one digest transmission. Members are marked
// sent atomically; a failed batch update or a failed transmission leaves
// every member retryable.
func (e *Executor) SendGroupedEmail(ctx context.Context, members []*types.NotificationRecord) types.DeliveryResult {
	if len(members) == 0 {
		return types.DeliveryResult{Error: "empty digest group"}
	}

	lead := members[0]
	now := e.clock.Now()

	account, err := e.accounts.Get(ctx, lead.UserID)
	if err != nil {
		return e.failAll(ctx, members, fmt.Sprintf("account lookup failed: %v", err))
	}

	if e.policy.InQuietHours(now, account.Timezone) {
		resume := e.policy.NextResume(now, account.Timezone)
		for _, m := range members {
			if err := e.notifications.Reschedule(ctx, m.ID, resume); err != nil {
				e.logger.Error("failed to reschedule digest member for quiet hours",
					"notification_id", m.ID,
					"error", err.Error(),
				)
			}
		}
		return types.DeliveryResult{Rescheduled: true, Error: rescheduledQuietHours}
	}

	items := make([]string, 0, len(members))
	for _, m := range members {
		items = append(items, m.Subject)
	}

	rendered, err := e.renderer.Render(types.TemplateDigest, email.DigestPayload(lead.GroupType, len(members), items))
	if err != nil {
		return e.failAll(ctx, members, fmt.Sprintf("digest render failed: %v", err))
	}

	input := e.buildInput(ctx, lead, rendered)

	msgID, err := e.provider.Send(ctx, input)
	if err != nil {
		if email.IsBlocklistError(err) {
			return e.bounceAll(ctx, members, err.Error())
		}
		return e.failAll(ctx, members, err.Error())
	}

	return e.succeed(ctx, members, msgID)
}

// buildInput issues the unsubscribe token, instruments the HTML, and
// assembles the provider input. Token issuance failure degrades to a
// footerless email rather than blocking delivery.
func (e *Executor) buildInput(ctx context.Context, n *types.NotificationRecord, rendered *types.RenderedEmail) types.SendInput {
	rawToken, err := e.tokens.Issue(ctx, n.UserID, n.ID)
	if err != nil {
		e.logger.Error("failed to issue unsubscribe token, sending without footer",
			"notification_id", n.ID,
			"error", err.Error(),
		)
		rawToken = ""
	}

	return types.SendInput{
		To:          n.RecipientEmail,
		From:        e.emailCfg.FromAddress,
		FromName:    e.emailCfg.FromName,
		Subject:     rendered.Subject,
		HTMLBody:    e.instrumenter.Instrument(rendered.HTML, n.TrackingID, rawToken),
		TextBody:    rendered.Text,
		ReferenceID: n.ID,
	}
}

// succeed marks the records sent (atomically for digests), records the
// last-send time, and appends send events.
func (e *Executor) succeed(ctx context.Context, members []*types.NotificationRecord, msgID string) types.DeliveryResult {
	now := e.clock.Now()

	if len(members) == 1 {
		if err := e.notifications.MarkSent(ctx, members[0].ID, msgID, now); err != nil {
			return e.fail(ctx, members[0], fmt.Sprintf("mark sent failed: %v", err))
		}
	} else {
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		if err := e.notifications.MarkSentBatch(ctx, ids, msgID, now); err != nil {
			// All-or-nothing: no member is individually failed here, the
			// whole group stays queued for the next tick.
			e.logger.Error("digest batch update failed",
				"notification_ids", strings.Join(ids, ","),
				"error", err.Error(),
			)
			return types.DeliveryResult{Error: fmt.Sprintf("mark sent batch failed: %v", err)}
		}
	}

	if err := e.accounts.UpdateLastEmailSentAt(ctx, members[0].UserID, now); err != nil {
		e.logger.Error("failed to update last email sent time",
			"user_id", members[0].UserID,
			"error", err.Error(),
		)
	}

	for _, m := range members {
		e.appendEvent(ctx, &types.EmailEvent{
			ID:             uuid.NewString(),
			NotificationID: m.ID,
			EventType:      types.EmailEventSend,
			OccurredAt:     now,
		})
	}

	return types.DeliveryResult{Success: true, MessageID: msgID}
}

// fail transitions a single record to failed with the reason persisted.
func (e *Executor) fail(ctx context.Context, n *types.NotificationRecord, reason string) types.DeliveryResult {
	if err := e.notifications.MarkFailed(ctx, n.ID, reason, e.clock.Now()); err != nil {
		e.logger.Error("failed to mark notification failed",
			"notification_id", n.ID,
			"error", err.Error(),
		)
	}
	e.logger.Warn("delivery attempt failed",
		"notification_id", n.ID,
		"recipient", email.RedactEmail(n.RecipientEmail),
		"reason", reason,
	)
	return types.DeliveryResult{Error: reason}
}

func (e *Executor) failAll(ctx context.Context, members []*types.NotificationRecord, reason string) types.DeliveryResult {
	for _, m := range members {
		e.fail(ctx, m, reason)
	}
	return types.DeliveryResult{Error: reason}
}

// bounceAll terminally reclassifies records whose recipient the provider
// rejected synchronously (suppression list). Retrying would hit the same
// rejection, so the records skip the failed state entirely.
func (e *Executor) bounceAll(ctx context.Context, members []*types.NotificationRecord, reason string) types.DeliveryResult {
	now := e.clock.Now()
	for _, m := range members {
		if err := e.notifications.MarkBounced(ctx, m.ID, reason, now); err != nil {
			e.logger.Error("failed to mark notification bounced",
				"notification_id", m.ID,
				"error", err.Error(),
			)
		}
		e.appendEvent(ctx, &types.EmailEvent{
			ID:             uuid.NewString(),
			NotificationID: m.ID,
			EventType:      types.EmailEventBounce,
			OccurredAt:     now,
			Metadata: types.EventMetadata{
				BounceType:   string(types.BounceHard),
				BounceReason: reason,
			},
		})
	}
	e.logger.Warn("provider rejected recipient",
		"recipient", email.RedactEmail(members[0].RecipientEmail),
		"reason", reason,
	)
	return types.DeliveryResult{Error: reason}
}

func (e *Executor) appendEvent(ctx context.Context, ev *types.EmailEvent) {
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Error("failed to append email event",
			"error", err.Error(),
			"notification_id", ev.NotificationID,
			"event_type", string(ev.EventType),
		)
	}
}
