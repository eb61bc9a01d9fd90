package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailroom/internal/types"
)

type fakeEngagementStore struct {
	openID   string
	clickID  string
	openErr  error
	clickErr error
	openAt   time.Time
}

func (f *fakeEngagementStore) RecordOpen(ctx context.Context, trackingID string, at time.Time) (string, error) {
	f.openAt = at
	return f.openID, f.openErr
}

func (f *fakeEngagementStore) RecordClick(ctx context.Context, trackingID string, at time.Time) (string, error) {
	return f.clickID, f.clickErr
}

type fakeEventStore struct {
	appended []*types.EmailEvent
	err      error
}

func (f *fakeEventStore) Append(ctx context.Context, e *types.EmailEvent) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, e)
	return nil
}

var recorderNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func TestRecordOpen_AppendsEvent(t *testing.T) {
	store := &fakeEngagementStore{openID: "notif-1"}
	events := &fakeEventStore{}
	rec := NewRecorder(store, events, &mockClock{now: recorderNow}, &mockLogger{})

	err := rec.RecordOpen(context.Background(), "track-1", RequestMeta{IPAddress: "10.0.0.1", UserAgent: "TestMail/1.0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events.appended) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.appended))
	}
	e := events.appended[0]
	if e.NotificationID != "notif-1" || e.EventType != types.EmailEventOpen {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.IPAddress != "10.0.0.1" || e.UserAgent != "TestMail/1.0" {
		t.Errorf("request meta not persisted: %+v", e)
	}
	if !store.openAt.Equal(recorderNow) {
		t.Errorf("open recorded at %v, want %v", store.openAt, recorderNow)
	}
}

func TestRecordOpen_UnknownTrackingID(t *testing.T) {
	store := &fakeEngagementStore{
		openErr: types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil),
	}
	rec := NewRecorder(store, &fakeEventStore{}, &mockClock{now: recorderNow}, &mockLogger{})

	err := rec.RecordOpen(context.Background(), "unknown", RequestMeta{})

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundNotification {
		t.Fatalf("expected not-found AppError, got %v", err)
	}
}

func TestRecordOpen_EventAppendFailureIsSwallowed(t *testing.T) {
	store := &fakeEngagementStore{openID: "notif-1"}
	events := &fakeEventStore{err: errors.New("event table unavailable")}
	rec := NewRecorder(store, events, &mockClock{now: recorderNow}, &mockLogger{})

	// The counter update succeeded; a failed log append must not surface.
	if err := rec.RecordOpen(context.Background(), "track-1", RequestMeta{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordClick_ReturnsValidatedTarget(t *testing.T) {
	store := &fakeEngagementStore{clickID: "notif-2"}
	events := &fakeEventStore{}
	rec := NewRecorder(store, events, &mockClock{now: recorderNow}, &mockLogger{})

	target, err := rec.RecordClick(context.Background(), "track-2", "link-9", "https://example.com/post/42", RequestMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != "https://example.com/post/42" {
		t.Errorf("target = %q", target)
	}

	if len(events.appended) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.appended))
	}
	e := events.appended[0]
	if e.EventType != types.EmailEventClick {
		t.Errorf("event type = %s", e.EventType)
	}
	if e.Metadata.URL != "https://example.com/post/42" || e.Metadata.LinkID != "link-9" {
		t.Errorf("unexpected metadata: %+v", e.Metadata)
	}
}

func TestRecordClick_RejectsBadTargets(t *testing.T) {
	rec := NewRecorder(&fakeEngagementStore{clickID: "notif-2"}, &fakeEventStore{}, &mockClock{now: recorderNow}, &mockLogger{})

	for _, target := range []string{
		"javascript:alert(1)",
		"//evil.example.com",
		"not a url",
		"",
	} {
		_, err := rec.RecordClick(context.Background(), "track-3", "link-1", target, RequestMeta{})

		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationRedirectURL {
			t.Errorf("target %q: expected redirect validation error, got %v", target, err)
		}
	}
}
