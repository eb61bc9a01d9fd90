package tracking

import (
	"context"
	"testing"
	"time"

	"mailroom/internal/types"
)

type fakeBounceAccountStore struct {
	account     *types.EmailAccount
	count       int
	disabledFor string
}

func (f *fakeBounceAccountStore) GetByEmail(ctx context.Context, emailAddr string) (*types.EmailAccount, error) {
	return f.account, nil
}

func (f *fakeBounceAccountStore) IncrementBounceCount(ctx context.Context, userID string) (int, error) {
	f.count++
	return f.count, nil
}

func (f *fakeBounceAccountStore) DisableNotifications(ctx context.Context, userID string) error {
	f.disabledFor = userID
	return nil
}

type fakeBounceNotificationStore struct {
	byMessageID    string
	byMessageErr   error
	recentIDs      []string
	markedSince    time.Time
	markedByMsgID  string
	markedByWindow bool
}

func (f *fakeBounceNotificationStore) MarkBouncedByProviderMessageID(ctx context.Context, providerMessageID string) (string, error) {
	if f.byMessageErr != nil {
		return "", f.byMessageErr
	}
	f.markedByMsgID = providerMessageID
	return f.byMessageID, nil
}

func (f *fakeBounceNotificationStore) MarkBouncedSince(ctx context.Context, recipientEmail string, since time.Time) ([]string, error) {
	f.markedByWindow = true
	f.markedSince = since
	return f.recentIDs, nil
}

var bounceNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newBounceFixture(accounts *fakeBounceAccountStore, notifications *fakeBounceNotificationStore) (*BounceHandler, *fakeEventStore) {
	events := &fakeEventStore{}
	h := NewBounceHandler(accounts, notifications, events, &mockClock{now: bounceNow}, &mockLogger{})
	return h, events
}

func TestHandleBounce_IncrementsWithoutDisabling(t *testing.T) {
	accounts := &fakeBounceAccountStore{
		account: &types.EmailAccount{UserID: "user-1", Email: "user@example.com"},
	}
	notifications := &fakeBounceNotificationStore{byMessageID: "notif-1"}
	h, events := newBounceFixture(accounts, notifications)

	err := h.HandleBounce(context.Background(), "user@example.com", types.BounceHard, "mailbox full", "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if accounts.count != 1 {
		t.Errorf("bounce count = %d, want 1", accounts.count)
	}
	if accounts.disabledFor != "" {
		t.Error("notifications disabled below the threshold")
	}
	if notifications.markedByMsgID != "msg-1" {
		t.Error("exact provider message ID match not used")
	}
	if notifications.markedByWindow {
		t.Error("recency fallback used despite exact match")
	}

	if len(events.appended) != 1 {
		t.Fatalf("expected 1 bounce event, got %d", len(events.appended))
	}
	e := events.appended[0]
	if e.EventType != types.EmailEventBounce || e.Metadata.BounceType != "hard" || e.Metadata.BounceReason != "mailbox full" {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestHandleBounce_ThirdBounceDisablesNotifications(t *testing.T) {
	accounts := &fakeBounceAccountStore{
		account: &types.EmailAccount{UserID: "user-1", Email: "user@example.com"},
		count:   2, // next increment reaches the threshold
	}
	notifications := &fakeBounceNotificationStore{byMessageID: "notif-1"}
	h, _ := newBounceFixture(accounts, notifications)

	if err := h.HandleBounce(context.Background(), "user@example.com", types.BounceHard, "unknown user", "msg-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if accounts.disabledFor != "user-1" {
		t.Error("expected master opt-in flag disabled at the third bounce")
	}
}

func TestHandleBounce_FallsBackToRecencyWindow(t *testing.T) {
	accounts := &fakeBounceAccountStore{
		account: &types.EmailAccount{UserID: "user-1", Email: "user@example.com"},
	}
	notifications := &fakeBounceNotificationStore{recentIDs: []string{"notif-1", "notif-2"}}
	h, events := newBounceFixture(accounts, notifications)

	// No provider message ID in the webhook payload.
	if err := h.HandleBounce(context.Background(), "user@example.com", types.BounceSoft, "greylisted", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !notifications.markedByWindow {
		t.Fatal("expected recency-window fallback")
	}
	want := bounceNow.Add(-24 * time.Hour)
	if !notifications.markedSince.Equal(want) {
		t.Errorf("window start = %v, want %v", notifications.markedSince, want)
	}
	if len(events.appended) != 2 {
		t.Errorf("expected one bounce event per affected record, got %d", len(events.appended))
	}
}

func TestHandleComplaint_DisablesImmediately(t *testing.T) {
	accounts := &fakeBounceAccountStore{
		account: &types.EmailAccount{UserID: "user-1", Email: "user@example.com"},
	}
	notifications := &fakeBounceNotificationStore{byMessageID: "notif-1"}
	h, events := newBounceFixture(accounts, notifications)

	if err := h.HandleComplaint(context.Background(), "user@example.com", "msg-3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if accounts.disabledFor != "user-1" {
		t.Error("complaint must disable notifications regardless of bounce count")
	}
	if accounts.count != 0 {
		t.Error("complaint must not touch the bounce counter")
	}
	if len(events.appended) != 1 || events.appended[0].EventType != types.EmailEventComplaint {
		t.Errorf("expected a complaint event, got %+v", events.appended)
	}
}
