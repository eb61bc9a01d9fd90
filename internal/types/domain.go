package types

import (
	"time"
)

// NotificationRecord is the durable unit of queued/sent email state.
// One row per logical message (or per digest member before collapse).
//
// Ownership: created by the admission controller; status transitions by the
// dispatcher and retry manager; open/click counters by the event recorder.
// ScheduledFor is monotonically non-decreasing across reschedules.
type NotificationRecord struct {
	ID             string             `json:"id" db:"id"`
	UserID         string             `json:"user_id" db:"user_id"`
	TemplateKey    TemplateKey        `json:"template_key" db:"template_key"`
	RecipientEmail string             `json:"recipient_email" db:"recipient_email"`
	Subject        string             `json:"subject" db:"subject"`
	Payload        JSONMap            `json:"payload" db:"payload"`
	Priority       Priority           `json:"priority" db:"priority"`
	GroupType      string             `json:"group_type,omitempty" db:"group_type"`
	Status         NotificationStatus `json:"status" db:"status"`
	ScheduledFor   time.Time          `json:"scheduled_for" db:"scheduled_for"`

	// Delivery bookkeeping
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	FailureReason     string     `json:"failure_reason,omitempty" db:"failure_reason"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" db:"provider_message_id"`
	SentAt            *time.Time `json:"sent_at,omitempty" db:"sent_at"`

	// Engagement tracking. TrackingID is random and opaque, never derived
	// from the primary key.
	TrackingID     string     `json:"tracking_id" db:"tracking_id"`
	OpenCount      int        `json:"open_count" db:"open_count"`
	ClickCount     int        `json:"click_count" db:"click_count"`
	FirstOpenedAt  *time.Time `json:"first_opened_at,omitempty" db:"first_opened_at"`
	FirstClickedAt *time.Time `json:"first_clicked_at,omitempty" db:"first_clicked_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EmailEvent is an append-only interaction record. Rows are never updated;
// the only deletion path is the time-boxed retention purge.
type EmailEvent struct {
	ID             string         `json:"id" db:"id"`
	NotificationID string         `json:"notification_id" db:"notification_id"`
	EventType      EmailEventType `json:"event_type" db:"event_type"`
	Metadata       EventMetadata  `json:"metadata,omitempty" db:"metadata"`
	IPAddress      string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      string         `json:"user_agent,omitempty" db:"user_agent"`
	OccurredAt     time.Time      `json:"occurred_at" db:"occurred_at"`
}

// EventMetadata carries event-specific detail: link info for clicks,
// the bounce reason for bounces, user feedback for unsubscribes.
type EventMetadata struct {
	URL          string `json:"url,omitempty"`
	LinkID       string `json:"link_id,omitempty"`
	BounceType   string `json:"bounce_type,omitempty"`
	BounceReason string `json:"bounce_reason,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
}

// EmailPreferences holds a user's per-category email toggles. Created lazily
// on first write; a user with no row gets DefaultPreferences. Soft
// unsubscribe only: rows are never hard-deleted.
type EmailPreferences struct {
	UserID          string          `json:"user_id" db:"user_id"`
	Social          bool            `json:"social" db:"social"`
	Coins           bool            `json:"coins" db:"coins"`
	Content         bool            `json:"content" db:"content"`
	Engagement      bool            `json:"engagement" db:"engagement"`
	Marketplace     bool            `json:"marketplace" db:"marketplace"`
	Security        bool            `json:"security" db:"security"`
	Moderation      bool            `json:"moderation" db:"moderation"`
	DigestFrequency DigestFrequency `json:"digest_frequency" db:"digest_frequency"`
	MuteUntil       *time.Time      `json:"mute_until,omitempty" db:"mute_until"`
	UnsubscribedAt  *time.Time      `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultPreferences returns the implicit preferences for a user who has
// never written a preference row: everything enabled, instant delivery.
func DefaultPreferences(userID string) *EmailPreferences {
	return &EmailPreferences{
		UserID:          userID,
		Social:          true,
		Coins:           true,
		Content:         true,
		Engagement:      true,
		Marketplace:     true,
		Security:        true,
		Moderation:      true,
		DigestFrequency: DigestInstant,
	}
}

// CategoryEnabled reports whether the given category is enabled.
// Unknown categories default to enabled.
func (p *EmailPreferences) CategoryEnabled(c PreferenceCategory) bool {
	switch c {
	case CategorySocial:
		return p.Social
	case CategoryCoins:
		return p.Coins
	case CategoryContent:
		return p.Content
	case CategoryEngagement:
		return p.Engagement
	case CategoryMarketplace:
		return p.Marketplace
	case CategorySecurity:
		return p.Security
	case CategoryModeration:
		return p.Moderation
	default:
		return true
	}
}

// UnsubscribeToken is a one-time-use credential embedded in email footers.
// Only the SHA-256 hash of the raw token is ever stored. A token with
// Used=true or past ExpiresAt must never be accepted.
type UnsubscribeToken struct {
	ID             string     `json:"id" db:"id"`
	TokenHash      string     `json:"-" db:"token_hash"`
	UserID         string     `json:"user_id" db:"user_id"`
	NotificationID string     `json:"notification_id,omitempty" db:"notification_id"`
	Used           bool       `json:"used" db:"used"`
	UsedAt         *time.Time `json:"used_at,omitempty" db:"used_at"`
	UsedFromIP     string     `json:"used_from_ip,omitempty" db:"used_from_ip"`
	ExpiresAt      time.Time  `json:"expires_at" db:"expires_at"`
	Reason         string     `json:"reason,omitempty" db:"reason"`
	Feedback       string     `json:"feedback,omitempty" db:"feedback"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// EmailAccount is the projection of an externally-owned user record that
// this subsystem consumes. Only EmailBounceCount, EmailNotifications, and
// LastEmailSentAt are mutated here; everything else is owned elsewhere.
type EmailAccount struct {
	UserID             string     `json:"user_id" db:"user_id"`
	Email              string     `json:"email" db:"email"`
	EmailNotifications bool       `json:"email_notifications" db:"email_notifications"`
	EmailBounceCount   int        `json:"email_bounce_count" db:"email_bounce_count"`
	LastEmailSentAt    *time.Time `json:"last_email_sent_at,omitempty" db:"last_email_sent_at"`
	Timezone           string     `json:"timezone" db:"timezone"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`
}

// RenderedEmail is the output of the template renderer, before tracking
// instrumentation is applied.
type RenderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

// SendInput is the provider-agnostic input for one outbound transmission.
type SendInput struct {
	To       string
	From     string
	FromName string
	Subject  string
	HTMLBody string
	TextBody string
	// ReferenceID correlates the transmission with the originating
	// notification record (delivery tags, webhook correlation).
	ReferenceID string
}

// DeliveryResult is the outcome of one delivery attempt. Delivery never
// propagates an error to its caller; this struct is the whole contract.
type DeliveryResult struct {
	Success     bool   `json:"success"`
	Rescheduled bool   `json:"rescheduled"`
	Error       string `json:"error,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// QueueStats is the observability snapshot returned by the queue status
// endpoint. Not correctness-critical.
type QueueStats struct {
	Window           string         `json:"window"`
	CountsByStatus   map[string]int `json:"counts_by_status"`
	QueuedByPriority map[string]int `json:"queued_by_priority"`
	OldestQueuedAt   *time.Time     `json:"oldest_queued_at,omitempty"`
	AvgTimeToSendSec *float64       `json:"avg_time_to_send_seconds,omitempty"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// TickStats summarizes one dispatcher tick for logging and metrics.
type TickStats struct {
	Processed   int `json:"processed"`
	Failed      int `json:"failed"`
	Grouped     int `json:"grouped"`
	Rescheduled int `json:"rescheduled"`
}
