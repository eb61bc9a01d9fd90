package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mailroom/internal/admission"
	"mailroom/internal/config"
	"mailroom/internal/types"
)

// mockClock implements types.Clock for deterministic testing.
type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time { return c.now }

// mockLogger implements types.Logger as a no-op for tests.
type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeNotificationStore struct {
	due        []*types.NotificationRecord
	retryBatch []*types.NotificationRecord

	sentIDs        []string
	sentBatchIDs   []string
	failedIDs      []string
	failedReasons  []string
	bouncedIDs     []string
	bouncedReasons []string
	rescheduled    map[string]time.Time

	markSentErr      error
	markSentBatchErr error
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{rescheduled: map[string]time.Time{}}
}

func (f *fakeNotificationStore) GetDueBatch(ctx context.Context, now time.Time, limit int) ([]*types.NotificationRecord, error) {
	return f.due, nil
}

func (f *fakeNotificationStore) GetRetryBatch(ctx context.Context, maxRetries int, limit int) ([]*types.NotificationRecord, error) {
	return f.retryBatch, nil
}

func (f *fakeNotificationStore) MarkSent(ctx context.Context, id string, providerMessageID string, at time.Time) error {
	if f.markSentErr != nil {
		return f.markSentErr
	}
	f.sentIDs = append(f.sentIDs, id)
	return nil
}

func (f *fakeNotificationStore) MarkSentBatch(ctx context.Context, ids []string, providerMessageID string, at time.Time) error {
	if f.markSentBatchErr != nil {
		return f.markSentBatchErr
	}
	f.sentBatchIDs = append(f.sentBatchIDs, ids...)
	return nil
}

func (f *fakeNotificationStore) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	f.failedIDs = append(f.failedIDs, id)
	f.failedReasons = append(f.failedReasons, reason)
	return nil
}

func (f *fakeNotificationStore) MarkBounced(ctx context.Context, id string, reason string, at time.Time) error {
	f.bouncedIDs = append(f.bouncedIDs, id)
	f.bouncedReasons = append(f.bouncedReasons, reason)
	return nil
}

func (f *fakeNotificationStore) Reschedule(ctx context.Context, id string, to time.Time) error {
	f.rescheduled[id] = to
	return nil
}

type fakeAccountStore struct {
	account    *types.EmailAccount
	lastSentAt time.Time
}

func (f *fakeAccountStore) Get(ctx context.Context, userID string) (*types.EmailAccount, error) {
	return f.account, nil
}

func (f *fakeAccountStore) UpdateLastEmailSentAt(ctx context.Context, userID string, at time.Time) error {
	f.lastSentAt = at
	return nil
}

type fakeEventStore struct {
	appended []*types.EmailEvent
}

func (f *fakeEventStore) Append(ctx context.Context, e *types.EmailEvent) error {
	f.appended = append(f.appended, e)
	return nil
}

type fakeRenderer struct {
	err      error
	lastKey  types.TemplateKey
	lastData types.JSONMap
}

func (f *fakeRenderer) Render(key types.TemplateKey, payload types.JSONMap) (*types.RenderedEmail, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastKey = key
	f.lastData = payload
	return &types.RenderedEmail{
		Subject: "rendered subject",
		HTML:    "<body><p>hi</p></body>",
		Text:    "hi",
	}, nil
}

type fakeInstrumenter struct{}

func (fakeInstrumenter) Instrument(htmlBody, trackingID, rawUnsubToken string) string {
	return htmlBody + "<!--instrumented:" + trackingID + "-->"
}

type fakeTokenMinter struct {
	err error
}

func (f *fakeTokenMinter) Issue(ctx context.Context, userID, notificationID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "raw-token", nil
}

type fakeProvider struct {
	err   error
	msgID string

	mu     sync.Mutex
	inputs []types.SendInput
}

func (f *fakeProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	return f.msgID, nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type executorFixture struct {
	executor *Executor
	store    *fakeNotificationStore
	accounts *fakeAccountStore
	events   *fakeEventStore
	renderer *fakeRenderer
	provider *fakeProvider
	now      time.Time
}

func queueConfig() config.QueueConfig {
	return config.QueueConfig{
		BatchSize:        50,
		DispatchInterval: time.Minute,
		RetryInterval:    5 * time.Minute,
		MaxRetryAttempts: 3,
		RetryBackoffBase: time.Minute,
		MaxEmailsPerHour: 10,
		GroupWindow:      10 * time.Minute,
		QuietHoursStart:  23,
		QuietHoursEnd:    8,
		ResumeHour:       9,
	}
}

func newExecutorFixture(now time.Time) *executorFixture {
	store := newFakeNotificationStore()
	accounts := &fakeAccountStore{
		account: &types.EmailAccount{UserID: "user-1", Email: "user@example.com", EmailNotifications: true, Timezone: "UTC"},
	}
	events := &fakeEventStore{}
	renderer := &fakeRenderer{}
	provider := &fakeProvider{msgID: "msg-1"}
	clock := &mockClock{now: now}
	logger := &mockLogger{}

	exec := NewExecutor(ExecutorConfig{
		Notifications: store,
		Accounts:      accounts,
		Events:        events,
		Renderer:      renderer,
		Instrumenter:  fakeInstrumenter{},
		Tokens:        &fakeTokenMinter{},
		Provider:      provider,
		Policy:        admission.NewSendTimePolicy(queueConfig(), clock, logger),
		EmailConfig: config.EmailConfig{
			FromAddress: "notifications@mailroom.io",
			FromName:    "Mailroom",
		},
		Clock:  clock,
		Logger: logger,
	})

	return &executorFixture{
		executor: exec,
		store:    store,
		accounts: accounts,
		events:   events,
		renderer: renderer,
		provider: provider,
		now:      now,
	}
}

func notification(id string, priority types.Priority) *types.NotificationRecord {
	return &types.NotificationRecord{
		ID:             id,
		UserID:         "user-1",
		TemplateKey:    types.TemplatePostLiked,
		RecipientEmail: "user@example.com",
		Subject:        "Someone liked your post",
		Payload:        types.JSONMap{"actor": "alice"},
		Priority:       priority,
		Status:         types.NotificationQueued,
		TrackingID:     "track-" + id,
	}
}

var midday = time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
var lateNight = time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// SendEmail
// ---------------------------------------------------------------------------

func TestSendEmail_Success(t *testing.T) {
	fx := newExecutorFixture(midday)
	n := notification("n1", types.PriorityMedium)

	result := fx.executor.SendEmail(context.Background(), n)

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.MessageID != "msg-1" {
		t.Errorf("message id = %q", result.MessageID)
	}
	if len(fx.store.sentIDs) != 1 || fx.store.sentIDs[0] != "n1" {
		t.Errorf("sent ids = %v", fx.store.sentIDs)
	}
	if !fx.accounts.lastSentAt.Equal(midday) {
		t.Errorf("last sent at = %v", fx.accounts.lastSentAt)
	}

	if len(fx.provider.inputs) != 1 {
		t.Fatalf("expected 1 provider call")
	}
	input := fx.provider.inputs[0]
	if input.To != "user@example.com" || input.From != "notifications@mailroom.io" {
		t.Errorf("unexpected addressing: %+v", input)
	}
	// The stored subject overrides the template subject.
	if input.Subject != "Someone liked your post" {
		t.Errorf("subject = %q", input.Subject)
	}
	if !strings.Contains(input.HTMLBody, "instrumented:track-n1") {
		t.Error("HTML not instrumented with the tracking ID")
	}
	if input.ReferenceID != "n1" {
		t.Errorf("reference id = %q", input.ReferenceID)
	}

	if len(fx.events.appended) != 1 || fx.events.appended[0].EventType != types.EmailEventSend {
		t.Errorf("expected one send event, got %+v", fx.events.appended)
	}
}

func TestSendEmail_QuietHoursReschedulesWithoutFailing(t *testing.T) {
	fx := newExecutorFixture(lateNight)
	n := notification("n1", types.PriorityLow)

	result := fx.executor.SendEmail(context.Background(), n)

	if result.Success {
		t.Fatal("expected non-success result")
	}
	if !result.Rescheduled {
		t.Fatal("expected rescheduled result")
	}
	if result.Error != "Rescheduled due to quiet hours" {
		t.Errorf("error = %q", result.Error)
	}

	want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if got := fx.store.rescheduled["n1"]; !got.Equal(want) {
		t.Errorf("rescheduled to %v, want %v", got, want)
	}
	// Not a failure: no retry-count bump, no provider call.
	if len(fx.store.failedIDs) != 0 {
		t.Error("quiet-hours reschedule must not mark the record failed")
	}
	if len(fx.provider.inputs) != 0 {
		t.Error("no transmission should occur during quiet hours")
	}
}

func TestSendEmail_QuietHoursSkipsRescheduleForFailedRecord(t *testing.T) {
	fx := newExecutorFixture(lateNight)
	n := notification("n1", types.PriorityLow)
	n.Status = types.NotificationFailed
	n.RetryCount = 1

	result := fx.executor.SendEmail(context.Background(), n)

	if !result.Rescheduled {
		t.Fatalf("expected rescheduled result, got %+v", result)
	}
	// A failed record has no forward schedule; the retry backoff paces it, so
	// no reschedule write should be attempted.
	if _, ok := fx.store.rescheduled["n1"]; ok {
		t.Error("failed record must not be rescheduled during quiet hours")
	}
	if len(fx.store.failedIDs) != 0 {
		t.Error("quiet-hours deferral must not touch the retry count")
	}
	if len(fx.provider.inputs) != 0 {
		t.Error("no transmission should occur during quiet hours")
	}
}

func TestSendEmail_HighPriorityIgnoresQuietHours(t *testing.T) {
	fx := newExecutorFixture(lateNight)
	n := notification("n1", types.PriorityHigh)
	n.TemplateKey = types.TemplateSecurityAlert

	result := fx.executor.SendEmail(context.Background(), n)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestSendEmail_RenderFailureMarksFailed(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.renderer.err = errors.New("unknown template")
	n := notification("n1", types.PriorityMedium)

	result := fx.executor.SendEmail(context.Background(), n)

	if result.Success || result.Rescheduled {
		t.Fatalf("expected plain failure, got %+v", result)
	}
	if len(fx.store.failedIDs) != 1 || fx.store.failedIDs[0] != "n1" {
		t.Errorf("failed ids = %v", fx.store.failedIDs)
	}
	if !strings.Contains(fx.store.failedReasons[0], "unknown template") {
		t.Errorf("reason = %q", fx.store.failedReasons[0])
	}
}

func TestSendEmail_ProviderFailureMarksFailed(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.provider.err = types.NewAppError(types.ErrCodeUpstreamUnavailable, "provider down", nil)
	n := notification("n1", types.PriorityMedium)

	result := fx.executor.SendEmail(context.Background(), n)

	if result.Success {
		t.Fatal("expected failure")
	}
	if len(fx.store.failedIDs) != 1 {
		t.Fatalf("expected 1 failed record")
	}
	if !strings.Contains(fx.store.failedReasons[0], "provider down") {
		t.Errorf("reason = %q", fx.store.failedReasons[0])
	}
	if len(fx.store.sentIDs) != 0 {
		t.Error("nothing should be marked sent on provider failure")
	}
}

func TestSendEmail_BlockedRecipientMarksBounced(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.provider.err = types.NewAppError(types.ErrCodeEmailBlocked, "recipient on suppression list", nil)
	n := notification("n1", types.PriorityMedium)

	result := fx.executor.SendEmail(context.Background(), n)

	if result.Success {
		t.Fatal("expected failure")
	}
	if len(fx.store.bouncedIDs) != 1 || fx.store.bouncedIDs[0] != "n1" {
		t.Fatalf("bounced ids = %v, want [n1]", fx.store.bouncedIDs)
	}
	if len(fx.store.failedIDs) != 0 {
		t.Errorf("a suppressed recipient must not enter the retry path, failed ids = %v", fx.store.failedIDs)
	}
	if len(fx.events.appended) != 1 || fx.events.appended[0].EventType != types.EmailEventBounce {
		t.Fatalf("expected a single bounce event, got %+v", fx.events.appended)
	}
	if fx.events.appended[0].Metadata.BounceType != string(types.BounceHard) {
		t.Errorf("bounce type = %q, want hard", fx.events.appended[0].Metadata.BounceType)
	}
}

func TestSendEmail_TokenFailureStillDelivers(t *testing.T) {
	fx := newExecutorFixture(midday)
	n := notification("n1", types.PriorityMedium)

	exec := fx.executor
	exec.tokens = &fakeTokenMinter{err: errors.New("token table unavailable")}

	result := exec.SendEmail(context.Background(), n)
	if !result.Success {
		t.Fatalf("token issuance failure must not block delivery: %+v", result)
	}
}

// ---------------------------------------------------------------------------
// SendGroupedEmail
// ---------------------------------------------------------------------------

func digestMembers(n int) []*types.NotificationRecord {
	members := make([]*types.NotificationRecord, 0, n)
	for i := 0; i < n; i++ {
		m := notification(string(rune('a'+i)), types.PriorityLow)
		m.GroupType = "likes"
		m.Subject = "alice liked your post"
		members = append(members, m)
	}
	return members
}

func TestSendGroupedEmail_CollapsesIntoOneTransmission(t *testing.T) {
	fx := newExecutorFixture(midday)
	members := digestMembers(3)

	result := fx.executor.SendGroupedEmail(context.Background(), members)

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(fx.provider.inputs) != 1 {
		t.Fatalf("expected exactly one transmission, got %d", len(fx.provider.inputs))
	}
	if fx.renderer.lastKey != types.TemplateDigest {
		t.Errorf("rendered template = %s, want digest", fx.renderer.lastKey)
	}
	if got := fx.renderer.lastData.Int("count"); got != 3 {
		t.Errorf("digest count = %d, want 3", got)
	}
	if len(fx.store.sentBatchIDs) != 3 {
		t.Errorf("batch-sent ids = %v, want all 3", fx.store.sentBatchIDs)
	}
	if len(fx.events.appended) != 3 {
		t.Errorf("expected a send event per member, got %d", len(fx.events.appended))
	}
}

func TestSendGroupedEmail_BatchUpdateFailureLeavesAllQueued(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.store.markSentBatchErr = types.NewAppError(types.ErrCodeConflictConcurrent, "batch update affected 2 of 3 rows", nil)
	members := digestMembers(3)

	result := fx.executor.SendGroupedEmail(context.Background(), members)

	if result.Success {
		t.Fatal("expected failure")
	}
	// All-or-nothing: no member is individually marked failed or sent.
	if len(fx.store.failedIDs) != 0 {
		t.Errorf("failed ids = %v, want none", fx.store.failedIDs)
	}
	if len(fx.store.sentIDs) != 0 {
		t.Errorf("sent ids = %v, want none", fx.store.sentIDs)
	}
}

func TestSendGroupedEmail_ProviderFailureFailsAllMembers(t *testing.T) {
	fx := newExecutorFixture(midday)
	fx.provider.err = errors.New("timeout")
	members := digestMembers(2)

	result := fx.executor.SendGroupedEmail(context.Background(), members)

	if result.Success {
		t.Fatal("expected failure")
	}
	if len(fx.store.failedIDs) != 2 {
		t.Errorf("failed ids = %v, want both members", fx.store.failedIDs)
	}
}
