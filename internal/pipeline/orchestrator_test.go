package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmemon/fuel/internal/blob"
	"github.com/Jmemon/fuel/internal/models"
	"github.com/Jmemon/fuel/internal/store"
)

// fakeSummarizer returns a canned summary or error and counts calls.
type fakeSummarizer struct {
	summary string
	err     error
	calls   atomic.Int32
}

func (f *fakeSummarizer) Summarize(_ context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type orchFixture struct {
	orch  *Orchestrator
	store *store.SQLiteStore
	blobs *blob.FSStore
	summ  *fakeSummarizer
}

func newOrchFixture(t *testing.T, summ Summarizer) *orchFixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	fx := &orchFixture{store: s, blobs: blobs}
	if fs, ok := summ.(*fakeSummarizer); ok {
		fx.summ = fs
	}
	fx.orch = NewOrchestrator(s, blobs, summ, slog.New(slog.DiscardHandler))
	return fx
}

// seedEndedSession creates a session in ended with an uploaded transcript.
func (fx *orchFixture) seedEndedSession(t *testing.T, id, content string) {
	t.Helper()
	ctx := context.Background()
	key := blob.TranscriptKey("github.com/acme/widgets", id)
	require.NoError(t, fx.blobs.Upload(ctx, key, strings.NewReader(content), int64(len(content))))

	_, err := fx.store.CreateSessionIfAbsent(ctx, &models.Session{
		ID:              id,
		WorkspaceID:     "github.com/acme/widgets",
		Lifecycle:       models.LifecycleEnded,
		StartedAt:       time.Now().UTC().Add(-time.Hour),
		TranscriptS3Key: key,
	})
	require.NoError(t, err)
	require.NoError(t, fx.store.SetTranscriptKey(ctx, id, key))
}

const sampleTranscript = `{"type":"user","timestamp":"2026-01-10T10:00:00Z","message":{"role":"user","content":"fix the login bug"}}
{"type":"assistant","timestamp":"2026-01-10T10:01:00Z","message":{"id":"m1","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"looking at it"}],"usage":{"input_tokens":100,"output_tokens":50}}}`

func TestProcess_FullPipeline(t *testing.T) {
	summ := &fakeSummarizer{summary: "fixed the login bug"}
	fx := newOrchFixture(t, summ)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)

	require.NoError(t, fx.orch.Process(ctx, "sess-1"))

	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleSummarized, sess.Lifecycle)
	assert.Equal(t, models.ParseStatusCompleted, sess.ParseStatus)
	assert.Equal(t, "fixed the login bug", sess.Summary)
	assert.Equal(t, 2, sess.TotalMessages)
	assert.Equal(t, int64(100), sess.InputTokens)
	assert.Equal(t, int64(50), sess.OutputTokens)
	assert.Equal(t, int32(1), summ.calls.Load())

	msgs, err := fx.store.ListTranscriptMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestProcess_NilSummarizerStopsAtParsed(t *testing.T) {
	fx := newOrchFixture(t, nil)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)

	require.NoError(t, fx.orch.Process(ctx, "sess-1"))

	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleParsed, sess.Lifecycle)
	assert.Empty(t, sess.Summary)
}

func TestProcess_SummarizerFailureKeepsParsed(t *testing.T) {
	summ := &fakeSummarizer{err: errors.New("model overloaded")}
	fx := newOrchFixture(t, summ)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)

	require.NoError(t, fx.orch.Process(ctx, "sess-1"))

	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleParsed, sess.Lifecycle)
	assert.Empty(t, sess.Summary)
}

func TestProcess_NoBlobKeyFailsFast(t *testing.T) {
	fx := newOrchFixture(t, nil)
	ctx := context.Background()

	_, err := fx.store.CreateSessionIfAbsent(ctx, &models.Session{
		ID: "sess-1", WorkspaceID: "github.com/acme/widgets",
		Lifecycle: models.LifecycleEnded, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.Error(t, fx.orch.Process(ctx, "sess-1"))

	// No blob key means no work was attempted; the session stays ended.
	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
}

func TestProcess_MissingBlobFailsSession(t *testing.T) {
	fx := newOrchFixture(t, nil)
	ctx := context.Background()

	_, err := fx.store.CreateSessionIfAbsent(ctx, &models.Session{
		ID: "sess-1", WorkspaceID: "github.com/acme/widgets",
		Lifecycle: models.LifecycleEnded, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, fx.store.SetTranscriptKey(ctx, "sess-1", "transcripts/gone/raw.jsonl"))

	require.Error(t, fx.orch.Process(ctx, "sess-1"))

	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleFailed, sess.Lifecycle)
	assert.Equal(t, models.ParseStatusFailed, sess.ParseStatus)
	assert.Contains(t, sess.ParseError, "download transcript")
}

func TestProcess_UnknownSession(t *testing.T) {
	fx := newOrchFixture(t, nil)
	assert.Error(t, fx.orch.Process(context.Background(), "missing"))
}

func TestProcess_Reentrant(t *testing.T) {
	// Running the pipeline twice is harmless: the second run rewrites the same
	// rows and loses the ended->parsed transition.
	summ := &fakeSummarizer{summary: "done"}
	fx := newOrchFixture(t, summ)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)

	require.NoError(t, fx.orch.Process(ctx, "sess-1"))
	require.NoError(t, fx.orch.Process(ctx, "sess-1"))

	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleSummarized, sess.Lifecycle)
	// Only the first run summarized.
	assert.Equal(t, int32(1), summ.calls.Load())

	msgs, err := fx.store.ListTranscriptMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRetrySummary(t *testing.T) {
	summ := &fakeSummarizer{err: errors.New("down")}
	fx := newOrchFixture(t, summ)
	ctx := context.Background()
	fx.seedEndedSession(t, "sess-1", sampleTranscript)

	// First run parses but cannot summarize.
	require.NoError(t, fx.orch.Process(ctx, "sess-1"))
	sess, err := fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, models.LifecycleParsed, sess.Lifecycle)

	// The retry re-renders the prompt from persisted rows and succeeds.
	summ.err = nil
	summ.summary = "recovered summary"
	require.NoError(t, fx.orch.RetrySummary(ctx, "sess-1"))

	sess, err = fx.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleSummarized, sess.Lifecycle)
	assert.Equal(t, "recovered summary", sess.Summary)
}
