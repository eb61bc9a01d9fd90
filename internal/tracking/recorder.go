package tracking

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"mailroom/internal/types"
)

// EngagementStore is the subset of the notification repository used when
// recording opens and clicks. Both methods return the notification ID that
// the tracking ID resolved to.
type EngagementStore interface {
	RecordOpen(ctx context.Context, trackingID string, at time.Time) (string, error)
	RecordClick(ctx context.Context, trackingID string, at time.Time) (string, error)
}

// EventStore is the append-only interaction log.
type EventStore interface {
	Append(ctx context.Context, e *types.EmailEvent) error
}

// RequestMeta carries the request attributes persisted with each event.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// Recorder persists open and click interactions. Counter updates and
// first-seen timestamps are idempotent-safe at the repository level (the
// counter always increments, the timestamp only sets once); the event log
// appends on every call.
type Recorder struct {
	notifications EngagementStore
	events        EventStore
	clock         types.Clock
	logger        types.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(notifications EngagementStore, events EventStore, clock types.Clock, logger types.Logger) *Recorder {
	return &Recorder{
		notifications: notifications,
		events:        events,
		clock:         clock,
		logger:        logger,
	}
}

// RecordOpen increments the open counter for the notification behind
// trackingID and appends an open event. Unknown tracking IDs return
// ErrCodeNotFoundNotification; callers serving the pixel ignore it.
func (r *Recorder) RecordOpen(ctx context.Context, trackingID string, meta RequestMeta) error {
	now := r.clock.Now()

	notificationID, err := r.notifications.RecordOpen(ctx, trackingID, now)
	if err != nil {
		return err
	}

	r.appendEvent(ctx, &types.EmailEvent{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		EventType:      types.EmailEventOpen,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		OccurredAt:     now,
	})
	return nil
}

// RecordClick validates the redirect target, increments the click counter,
// and appends a click event carrying the link detail. Returns the validated
// target URL for the caller to redirect to.
func (r *Recorder) RecordClick(ctx context.Context, trackingID, linkID, target string, meta RequestMeta) (string, error) {
	validated, err := ValidateRedirectTarget(target)
	if err != nil {
		return "", err
	}

	now := r.clock.Now()
	notificationID, err := r.notifications.RecordClick(ctx, trackingID, now)
	if err != nil {
		return "", err
	}

	r.appendEvent(ctx, &types.EmailEvent{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		EventType:      types.EmailEventClick,
		Metadata: types.EventMetadata{
			URL:    validated,
			LinkID: linkID,
		},
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		OccurredAt: now,
	})
	return validated, nil
}

// appendEvent writes to the interaction log. The counters are the source of
// truth for engagement stats, so a failed append is logged, not surfaced.
func (r *Recorder) appendEvent(ctx context.Context, e *types.EmailEvent) {
	if err := r.events.Append(ctx, e); err != nil {
		r.logger.Error("failed to append email event",
			"error", err.Error(),
			"notification_id", e.NotificationID,
			"event_type", string(e.EventType),
		)
	}
}

// ValidateRedirectTarget rejects open-redirect abuse: only absolute http(s)
// URLs pass.
func ValidateRedirectTarget(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", types.NewAppError(
			types.ErrCodeValidationRedirectURL,
			"redirect target must be an absolute http or https URL",
			err,
		)
	}
	return u.String(), nil
}
