package external

import (
	"context"

	"mailroom/internal/types"
)

// EmailProvider abstracts the outbound email delivery service. Implementations
// transmit pre-rendered content (Subject, HTMLBody, TextBody) and return the
// provider's message ID for bounce correlation.
type EmailProvider interface {
	// Send transmits an email with pre-rendered content.
	// Returns the provider's message ID on success.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// MetricsPublisher abstracts the metrics backend used by the dispatch loop.
// Publishing is best-effort: implementations log failures and never return
// errors to the caller.
type MetricsPublisher interface {
	// PublishTickStats emits the per-tick dispatch counters.
	PublishTickStats(ctx context.Context, stats types.TickStats)

	// PublishQueueDepth emits the current queued-notification count.
	PublishQueueDepth(ctx context.Context, depth int64)
}
