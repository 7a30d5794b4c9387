package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/Jmemon/fuel/internal/store"
)

const (
	// DefaultStuckThreshold is how long a session may sit mid-parse before
	// the sweep re-enqueues it.
	DefaultStuckThreshold = 10 * time.Minute

	defaultSweepInterval   = time.Minute
	summaryRetriesPerSweep = 10
)

// Sweeper periodically re-drives sessions the pipeline dropped: sessions
// stuck in a parsing state past the threshold, and parsed sessions whose
// summarization failed. Together with idempotent handlers this is the
// safety net that makes enqueue failures and worker crashes recoverable.
type Sweeper struct {
	store          store.Store
	queue          *Queue
	orch           *Orchestrator
	logger         *slog.Logger
	interval       time.Duration
	stuckThreshold time.Duration
}

// NewSweeper builds a sweeper running at the default interval.
func NewSweeper(s store.Store, queue *Queue, orch *Orchestrator, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:          s,
		queue:          queue,
		orch:           orch,
		logger:         logger,
		interval:       defaultSweepInterval,
		stuckThreshold: DefaultStuckThreshold,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	stuck, err := s.store.FindStuckSessions(ctx, s.stuckThreshold)
	if err != nil {
		s.logger.Error("stuck session query failed", "error", err)
	} else {
		for _, sess := range stuck {
			s.logger.Info("re-enqueueing stuck session",
				"session_id", sess.ID, "lifecycle", sess.Lifecycle)
			s.queue.Enqueue(sess.ID)
		}
	}

	unsummarized, err := s.store.FindParsedWithoutSummary(ctx, summaryRetriesPerSweep)
	if err != nil {
		s.logger.Error("parsed-without-summary query failed", "error", err)
		return
	}
	for _, sess := range unsummarized {
		if err := s.orch.RetrySummary(ctx, sess.ID); err != nil {
			s.logger.Warn("summary retry failed", "session_id", sess.ID, "error", err)
		}
	}
}
