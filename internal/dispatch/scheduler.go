package dispatch

import (
	"context"
	"sync"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/external"
	"mailroom/internal/types"
)

// retentionInterval spaces the event archive/purge runs.
const retentionInterval = 24 * time.Hour

// Scheduler owns the background loop lifecycle: the dispatch tick, the
// retry pass, and the daily retention run. A single instance runs per
// deployment; batch claiming assumes no concurrent dispatchers.
type Scheduler struct {
	dispatcher *Dispatcher
	retry      *RetryManager
	retention  *RetentionJob
	metrics    external.MetricsPublisher
	cfg        config.QueueConfig
	logger     types.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a Scheduler. retention may be nil to disable the
// daily archive run (e.g. in short-lived test processes).
func NewScheduler(
	dispatcher *Dispatcher,
	retry *RetryManager,
	retention *RetentionJob,
	metrics external.MetricsPublisher,
	cfg config.QueueConfig,
	logger types.Logger,
) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		retry:      retry,
		retention:  retention,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op. The loop stops when Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.stop, s.done)

	s.logger.Info("scheduler started",
		"dispatch_interval", s.cfg.DispatchInterval.String(),
		"retry_interval", s.cfg.RetryInterval.String(),
	)
}

// Stop signals the loop to exit and blocks until the in-flight cycle
// finishes. Safe to call multiple times and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	dispatchTicker := time.NewTicker(s.cfg.DispatchInterval)
	defer dispatchTicker.Stop()
	retryTicker := time.NewTicker(s.cfg.RetryInterval)
	defer retryTicker.Stop()
	retentionTicker := time.NewTicker(retentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			s.runDispatch(ctx)
		case <-retryTicker.C:
			if _, err := s.retry.RunRetryPass(ctx); err != nil {
				s.logger.Error("retry pass failed", "error", err.Error())
			}
		case <-retentionTicker.C:
			if s.retention == nil {
				continue
			}
			if err := s.retention.Run(ctx); err != nil {
				s.logger.Error("retention run failed", "error", err.Error())
			}
		}
	}
}

func (s *Scheduler) runDispatch(ctx context.Context) {
	stats, err := s.dispatcher.RunTick(ctx)
	if err != nil {
		s.logger.Error("dispatch tick failed", "error", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.PublishTickStats(ctx, stats)
	}
}
