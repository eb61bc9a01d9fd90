package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"mailroom/internal/email"
	"mailroom/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stub implementations allow the application to boot in local/test mode
// without requiring real provider credentials. They log all actions and
// return predictable, safe default values.
// ---------------------------------------------------------------------------

// StubEmailProvider implements EmailProvider by logging calls and returning
// a fake message ID. Used when config.IsTestMode is true or APP_ENV=local.
// Sent inputs are retained in memory so tests can assert on them.
type StubEmailProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []types.SendInput
}

// NewStubEmailProvider creates a new StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send email called",
		"to", email.RedactEmail(input.To),
		"subject", input.Subject,
		"from", input.From,
	)

	s.mu.Lock()
	s.sent = append(s.sent, input)
	n := len(s.sent)
	s.mu.Unlock()

	if input.ReferenceID != "" {
		return fmt.Sprintf("msg_stub_%s", input.ReferenceID), nil
	}
	return fmt.Sprintf("msg_stub_%d", n), nil
}

// Sent returns a copy of all inputs passed to Send so far.
func (s *StubEmailProvider) Sent() []types.SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SendInput, len(s.sent))
	copy(out, s.sent)
	return out
}

// StubMetricsPublisher implements MetricsPublisher by logging the values.
// Used when metrics are disabled or in local/test mode.
type StubMetricsPublisher struct {
	logger *slog.Logger
}

// NewStubMetricsPublisher creates a new StubMetricsPublisher.
func NewStubMetricsPublisher(logger *slog.Logger) *StubMetricsPublisher {
	return &StubMetricsPublisher{logger: logger}
}

func (s *StubMetricsPublisher) PublishTickStats(ctx context.Context, stats types.TickStats) {
	s.logger.DebugContext(ctx, "stub: PublishTickStats called",
		"processed", stats.Processed,
		"failed", stats.Failed,
		"grouped", stats.Grouped,
	)
}

func (s *StubMetricsPublisher) PublishQueueDepth(ctx context.Context, depth int64) {
	s.logger.DebugContext(ctx, "stub: PublishQueueDepth called",
		"depth", depth,
	)
}

// Compile-time assertions.
var (
	_ EmailProvider    = (*StubEmailProvider)(nil)
	_ MetricsPublisher = (*StubMetricsPublisher)(nil)
)
