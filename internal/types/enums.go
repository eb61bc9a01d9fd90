package types

// Priority determines dispatch ordering and which admission deferrals apply.
// High priority mail is never deferred for rate limits or quiet hours.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank for a priority (lower sends first).
// Unknown priorities rank last so malformed rows cannot jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is one of the known priority levels.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// NotificationStatus enumerates all valid states for a notification record.
// These values MUST match the CHECK constraint in the notifications table.
//
// Transitions only move forward:
//
//	queued -> sent                     (terminal success)
//	queued -> failed -> sent           (recovered via retry)
//	queued -> failed -> failed         (abandoned after max retries, terminal)
//	queued -> bounced                  (terminal, post-send reclassification)
type NotificationStatus string

const (
	NotificationQueued  NotificationStatus = "queued"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationBounced NotificationStatus = "bounced"
)

// EmailEventType identifies the kind of email interaction event.
type EmailEventType string

const (
	EmailEventSend        EmailEventType = "send"
	EmailEventDelivery    EmailEventType = "delivery"
	EmailEventOpen        EmailEventType = "open"
	EmailEventClick       EmailEventType = "click"
	EmailEventBounce      EmailEventType = "bounce"
	EmailEventComplaint   EmailEventType = "complaint"
	EmailEventUnsubscribe EmailEventType = "unsubscribe"
)

// BounceType distinguishes permanent delivery failures from transient ones.
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// DigestFrequency controls how often non-urgent mail is batched for a user.
type DigestFrequency string

const (
	DigestInstant DigestFrequency = "instant"
	DigestDaily   DigestFrequency = "daily"
	DigestWeekly  DigestFrequency = "weekly"
)

// PreferenceCategory identifies a togglable email category.
type PreferenceCategory string

const (
	CategorySocial      PreferenceCategory = "social"
	CategoryCoins       PreferenceCategory = "coins"
	CategoryContent     PreferenceCategory = "content"
	CategoryEngagement  PreferenceCategory = "engagement"
	CategoryMarketplace PreferenceCategory = "marketplace"
	CategorySecurity    PreferenceCategory = "security"
	CategoryModeration  PreferenceCategory = "moderation"
)

// AllCategories lists every preference category. Used by the unsubscribe
// cascade and by validators checking category names.
var AllCategories = []PreferenceCategory{
	CategorySocial,
	CategoryCoins,
	CategoryContent,
	CategoryEngagement,
	CategoryMarketplace,
	CategorySecurity,
	CategoryModeration,
}

// TemplateKey identifies a renderable email template.
type TemplateKey string

const (
	TemplatePostLiked     TemplateKey = "post_liked"
	TemplateCommentReply  TemplateKey = "comment_reply"
	TemplateNewFollower   TemplateKey = "new_follower"
	TemplateItemSold      TemplateKey = "item_sold"
	TemplateCoinReceived  TemplateKey = "coin_received"
	TemplateSecurityAlert TemplateKey = "security_alert"
	TemplateAnnouncement  TemplateKey = "announcement"
	TemplateDigest        TemplateKey = "digest"
)

// TemplateCategories maps each template key to the preference category that
// gates it at admission time. Keys absent from this map are treated as
// always-allowed (subject only to the master opt-in flag).
var TemplateCategories = map[TemplateKey]PreferenceCategory{
	TemplatePostLiked:     CategorySocial,
	TemplateCommentReply:  CategoryEngagement,
	TemplateNewFollower:   CategorySocial,
	TemplateItemSold:      CategoryMarketplace,
	TemplateCoinReceived:  CategoryCoins,
	TemplateSecurityAlert: CategorySecurity,
	TemplateAnnouncement:  CategoryContent,
}

// MaxBouncesBeforeDisable is the bounce count at which a recipient's master
// opt-in flag is flipped off and all further sends are suppressed.
const MaxBouncesBeforeDisable = 3
