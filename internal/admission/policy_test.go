package admission

import (
	"testing"
	"time"

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

func testQueueConfig() config.QueueConfig {
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

func newTestPolicy(now time.Time) *SendTimePolicy {
	return NewSendTimePolicy(testQueueConfig(), &mockClock{now: now}, &mockLogger{})
}

func TestInQuietHours_WrapsMidnight(t *testing.T) {
	policy := newTestPolicy(time.Time{})

	tests := []struct {
		name string
		hour int
		want bool
	}{
		{"just inside at start", 23, true},
		{"middle of the night", 3, true},
		{"just before end", 7, true},
		{"at end boundary", 8, false},
		{"mid morning", 10, false},
		{"just before start", 22, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2026, 8, 30, tt.hour, 30, 0, 0, time.UTC)
			if got := policy.InQuietHours(at, "UTC"); got != tt.want {
				t.Errorf("InQuietHours(%02d:30) = %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
}

func TestInQuietHours_UsesAccountTimezone(t *testing.T) {
	policy := newTestPolicy(time.Time{})

	// 01:00 Tokyo is 16:00 UTC the previous day.
	at := time.Date(2026, 8, 29, 16, 0, 0, 0, time.UTC)
	if !policy.InQuietHours(at, "Asia/Tokyo") {
		t.Error("expected 01:00 Tokyo to be in quiet hours")
	}
	if policy.InQuietHours(at, "UTC") {
		t.Error("expected 16:00 UTC to be outside quiet hours")
	}
}

func TestInQuietHours_InvalidTimezoneFailsOpenToUTC(t *testing.T) {
	policy := newTestPolicy(time.Time{})

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if policy.InQuietHours(at, "Not/AZone") {
		t.Error("expected midday UTC fallback to be outside quiet hours")
	}
}

func TestNextResume_LateEvening(t *testing.T) {
	policy := newTestPolicy(time.Time{})

	// 23:30 local -> next morning 09:00 local.
	at := time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)
	got := policy.NextResume(at, "UTC")
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextResume = %v, want %v", got, want)
	}
}

func TestNextResume_EarlyMorning(t *testing.T) {
	policy := newTestPolicy(time.Time{})

	// 03:00 local -> same day 09:00 local.
	at := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
	got := policy.NextResume(at, "UTC")
	want := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextResume = %v, want %v", got, want)
	}
}

func TestOptimalSendTime_HighPriorityBypassesQuietHours(t *testing.T) {
	// 23:30 local, deep in quiet hours.
	now := time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)
	policy := newTestPolicy(now)

	account := &types.EmailAccount{UserID: "user-1", Timezone: "UTC"}

	got := policy.OptimalSendTime(account, types.PriorityHigh)
	if !got.Equal(now) {
		t.Errorf("high priority send time = %v, want %v", got, now)
	}
}

func TestOptimalSendTime_QuietHoursDefersToResume(t *testing.T) {
	now := time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)
	policy := newTestPolicy(now)

	account := &types.EmailAccount{UserID: "user-1", Timezone: "UTC"}

	got := policy.OptimalSendTime(account, types.PriorityLow)
	want := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("quiet hours send time = %v, want %v", got, want)
	}
}

func TestOptimalSendTime_AlignsToActivityHour(t *testing.T) {
	// 10:00 local now; last activity was at 18:42 some prior day.
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	policy := newTestPolicy(now)

	activity := time.Date(2026, 8, 25, 18, 42, 0, 0, time.UTC)
	account := &types.EmailAccount{
		UserID:         "user-1",
		Timezone:       "UTC",
		LastActivityAt: &activity,
	}

	got := policy.OptimalSendTime(account, types.PriorityMedium)
	want := time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("aligned send time = %v, want %v", got, want)
	}
}

func TestOptimalSendTime_ActivityHourAlreadyPassedGoesTomorrow(t *testing.T) {
	// 20:00 local now; activity hour 18 already passed today.
	now := time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC)
	policy := newTestPolicy(now)

	activity := time.Date(2026, 8, 25, 18, 42, 0, 0, time.UTC)
	account := &types.EmailAccount{
		UserID:         "user-1",
		Timezone:       "UTC",
		LastActivityAt: &activity,
	}

	got := policy.OptimalSendTime(account, types.PriorityMedium)
	want := time.Date(2026, 8, 31, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("aligned send time = %v, want %v", got, want)
	}
}

func TestOptimalSendTime_NoActivitySendsNow(t *testing.T) {
	now := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	policy := newTestPolicy(now)

	account := &types.EmailAccount{UserID: "user-1", Timezone: "UTC"}

	got := policy.OptimalSendTime(account, types.PriorityMedium)
	if !got.Equal(now) {
		t.Errorf("default send time = %v, want %v", got, now)
	}
}
