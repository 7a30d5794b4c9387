package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmemon/fuel/internal/models"
)

// newTestSweeper wires a sweeper over the fixture with a threshold in the
// future so freshly seeded sessions count as stuck.
func newTestSweeper(fx *orchFixture, queue *Queue) *Sweeper {
	return &Sweeper{
		store:          fx.store,
		queue:          queue,
		orch:           fx.orch,
		logger:         slog.New(slog.DiscardHandler),
		interval:       defaultSweepInterval,
		stuckThreshold: -time.Hour,
	}
}

func TestSweep_ReenqueuesStuckSession(t *testing.T) {
	fx := newOrchFixture(t, nil)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)

	queue := NewQueue(1, 16, slog.New(slog.DiscardHandler), fx.orch.Process)
	queue.Start(ctx)
	sw := newTestSweeper(fx, queue)

	sw.sweep(ctx)
	queue.Stop()

	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleParsed, sess.Lifecycle)
	assert.Equal(t, models.ParseStatusCompleted, sess.ParseStatus)
}

func TestSweep_RetriesMissingSummary(t *testing.T) {
	summ := &fakeSummarizer{summary: "swept up"}
	fx := newOrchFixture(t, summ)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)

	// Parse without summarizing, then let the sweep retry the summary.
	fx.orch.summarizer = nil
	require.NoError(t, fx.orch.Process(ctx, "sess-1"))
	fx.orch.summarizer = summ

	queue := NewQueue(1, 16, slog.New(slog.DiscardHandler), fx.orch.Process)
	queue.Start(ctx)
	sw := newTestSweeper(fx, queue)
	sw.sweep(ctx)
	queue.Stop()

	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleSummarized, sess.Lifecycle)
	assert.Equal(t, "swept up", sess.Summary)
}

func TestSweep_IgnoresHealthySessions(t *testing.T) {
	summ := &fakeSummarizer{summary: "done"}
	fx := newOrchFixture(t, summ)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)
	require.NoError(t, fx.orch.Process(ctx, "sess-1"))
	require.Equal(t, int32(1), summ.calls.Load())

	queue := NewQueue(1, 16, slog.New(slog.DiscardHandler), fx.orch.Process)
	queue.Start(ctx)
	sw := newTestSweeper(fx, queue)
	sw.sweep(ctx)
	queue.Stop()

	// Already summarized: the sweep found nothing to redo.
	assert.Equal(t, int32(1), summ.calls.Load())
	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleSummarized, sess.Lifecycle)
}
