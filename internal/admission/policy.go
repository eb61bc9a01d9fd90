package admission

import (
	"time"

	"mailroom/internal/config"
	"mailroom/internal/types"
)

// SendTimePolicy computes when a newly admitted notification should first
// become eligible for dispatch. It evaluates quiet hours and activity-hour
// alignment in the recipient's local timezone.
//
// Timezone resolution: the account's Timezone field. An empty or invalid
// timezone fails open to UTC rather than blocking admission.
type SendTimePolicy struct {
	cfg    config.QueueConfig
	clock  types.Clock
	logger types.Logger
}

// NewSendTimePolicy creates a SendTimePolicy. The clock abstraction allows
// deterministic testing of time-dependent logic.
func NewSendTimePolicy(cfg config.QueueConfig, clock types.Clock, logger types.Logger) *SendTimePolicy {
	return &SendTimePolicy{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// location resolves an account timezone, failing open to UTC.
func (p *SendTimePolicy) location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		p.logger.Warn("invalid account timezone, falling back to UTC",
			"timezone", tz,
			"error", err.Error(),
		)
		return time.UTC
	}
	return loc
}

// InQuietHours reports whether t falls inside the configured quiet-hours
// window in the given timezone. The window wraps midnight when start > end
// (e.g. 23:00-08:00).
func (p *SendTimePolicy) InQuietHours(t time.Time, tz string) bool {
	hour := t.In(p.location(tz)).Hour()
	start, end := p.cfg.QuietHoursStart, p.cfg.QuietHoursEnd
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// NextResume returns the next resume-hour instant (local time) strictly
// after t. Mail deferred for quiet hours is scheduled here.
func (p *SendTimePolicy) NextResume(t time.Time, tz string) time.Time {
	loc := p.location(tz)
	local := t.In(loc)

	resume := time.Date(local.Year(), local.Month(), local.Day(), p.cfg.ResumeHour, 0, 0, 0, loc)
	if !resume.After(local) {
		resume = resume.AddDate(0, 0, 1)
	}
	return resume.UTC()
}

// OptimalSendTime computes the first eligible dispatch time for a
// notification admitted now.
//
// Decision logic (in order of precedence):
//  1. High priority -> send immediately (bypasses quiet hours and alignment)
//  2. Currently inside quiet hours -> defer to the next resume hour
//  3. Known last-activity time -> align to that hour of day, today if still
//     ahead, otherwise tomorrow
//  4. Otherwise -> send immediately
func (p *SendTimePolicy) OptimalSendTime(account *types.EmailAccount, priority types.Priority) time.Time {
	now := p.clock.Now()

	if priority == types.PriorityHigh {
		return now
	}

	if p.InQuietHours(now, account.Timezone) {
		return p.NextResume(now, account.Timezone)
	}

	if account.LastActivityAt != nil {
		loc := p.location(account.Timezone)
		local := now.In(loc)
		activityHour := account.LastActivityAt.In(loc).Hour()

		aligned := time.Date(local.Year(), local.Month(), local.Day(), activityHour, 0, 0, 0, loc)
		if !aligned.After(local) {
			aligned = aligned.AddDate(0, 0, 1)
		}
		return aligned.UTC()
	}

	return now
}
