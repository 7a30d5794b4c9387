package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmemon/fuel/internal/models"
)

var allLifecycles = []models.Lifecycle{
	models.LifecycleDetected, models.LifecycleCapturing, models.LifecycleEnded,
	models.LifecycleParsed, models.LifecycleSummarized, models.LifecycleArchived,
	models.LifecycleFailed,
}

// forceLifecycle bypasses the guarded transition to set up test states.
func forceLifecycle(t *testing.T, s *SQLiteStore, id string, l models.Lifecycle) {
	t.Helper()
	_, err := s.db.Exec("UPDATE sessions SET lifecycle = ? WHERE id = ?", string(l), id)
	require.NoError(t, err)
}

func TestTransitionSession_Applies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("s1"))
	require.NoError(t, err)

	result, err := s.TransitionSession(ctx, "s1",
		[]models.Lifecycle{models.LifecycleDetected}, models.LifecycleEnded)
	require.NoError(t, err)
	assert.True(t, result.Applied())
	assert.Equal(t, models.LifecycleEnded, result.ActualLifecycle)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
}

func TestTransitionSession_IllegalPairsNeverMutate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, from := range allLifecycles {
		for _, to := range allLifecycles {
			if models.CanTransition(from, to) {
				continue
			}
			id := "s-" + string(from) + "-" + string(to)
			_, err := s.CreateSessionIfAbsent(ctx, newTestSession(id))
			require.NoError(t, err)
			forceLifecycle(t, s, id, from)

			result, err := s.TransitionSession(ctx, id, []models.Lifecycle{from}, to)
			require.NoError(t, err)
			assert.Equal(t, TransitionConflict, result.Outcome, "%s -> %s must be rejected", from, to)
			assert.Equal(t, from, result.ActualLifecycle)

			sess, err := s.GetSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, from, sess.Lifecycle, "%s -> %s must not mutate", from, to)
		}
	}
}

func TestTransitionSession_LostRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("s1"))
	require.NoError(t, err)
	forceLifecycle(t, s, "s1", models.LifecycleEnded)

	// First writer wins.
	first, err := s.TransitionSession(ctx, "s1",
		[]models.Lifecycle{models.LifecycleEnded}, models.LifecycleParsed)
	require.NoError(t, err)
	assert.True(t, first.Applied())

	// Second writer from the same from-state loses and sees the actual state.
	second, err := s.TransitionSession(ctx, "s1",
		[]models.Lifecycle{models.LifecycleEnded}, models.LifecycleFailed)
	require.NoError(t, err)
	assert.Equal(t, TransitionConflict, second.Outcome)
	assert.Equal(t, models.LifecycleParsed, second.ActualLifecycle)
}

func TestTransitionSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	result, err := s.TransitionSession(context.Background(), "missing",
		[]models.Lifecycle{models.LifecycleDetected}, models.LifecycleEnded)
	require.NoError(t, err)
	assert.Equal(t, TransitionNotFound, result.Outcome)
}

func TestTransitionSession_MixedFromSetFiltersIllegal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("s1"))
	require.NoError(t, err)
	forceLifecycle(t, s, "s1", models.LifecycleArchived)

	// archived appears in the from-set but has no edge to parsed; the row
	// must stay archived.
	result, err := s.TransitionSession(ctx, "s1",
		[]models.Lifecycle{models.LifecycleEnded, models.LifecycleArchived}, models.LifecycleParsed)
	require.NoError(t, err)
	assert.Equal(t, TransitionConflict, result.Outcome)
	assert.Equal(t, models.LifecycleArchived, result.ActualLifecycle)
}

func TestFailSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, from := range models.NonTerminal {
		id := "fail-" + string(from)
		_, err := s.CreateSessionIfAbsent(ctx, newTestSession(id))
		require.NoError(t, err)
		forceLifecycle(t, s, id, from)

		result, err := s.FailSession(ctx, id, "blob missing")
		require.NoError(t, err)
		assert.True(t, result.Applied(), "failSession from %s", from)

		sess, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleFailed, sess.Lifecycle)
		assert.Equal(t, models.ParseStatusFailed, sess.ParseStatus)
		assert.Equal(t, "blob missing", sess.ParseError)
	}

	// Terminal states stay untouched.
	for _, from := range []models.Lifecycle{models.LifecycleArchived, models.LifecycleFailed} {
		id := "terminal-" + string(from)
		_, err := s.CreateSessionIfAbsent(ctx, newTestSession(id))
		require.NoError(t, err)
		forceLifecycle(t, s, id, from)

		result, err := s.FailSession(ctx, id, "late failure")
		require.NoError(t, err)
		assert.Equal(t, TransitionConflict, result.Outcome)
	}
}

func TestResetSessionForReparse_FromSummarized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSessionIfAbsent(ctx, newTestSession("s1"))
	require.NoError(t, err)

	pt := &ParsedTranscript{
		Messages: []*models.TranscriptMessage{
			{ID: "m1", Ordinal: 0, Role: models.RoleUser, HasText: true},
		},
		Blocks: []*models.ParsedContentBlock{
			{ID: "b1", MessageID: "m1", Type: models.BlockText, Order: 0, Text: "hi"},
		},
	}
	require.NoError(t, s.ReplaceParsedTranscript(ctx, "s1", pt, SessionStats{TotalMessages: 1, UserMessages: 1}))
	require.NoError(t, s.SetSummary(ctx, "s1", "did things"))
	forceLifecycle(t, s, "s1", models.LifecycleSummarized)

	result, err := s.ResetSessionForReparse(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, result.Applied())
	assert.Equal(t, models.LifecycleEnded, result.ActualLifecycle)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
	assert.Equal(t, models.ParseStatusPending, sess.ParseStatus)
	assert.Empty(t, sess.Summary)
	assert.Zero(t, sess.TotalMessages)

	msgs, blocks, err := s.CountChildRows(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, msgs)
	assert.Zero(t, blocks)
}

func TestResetSessionForReparse_RejectedBeforeTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, from := range []models.Lifecycle{models.LifecycleDetected, models.LifecycleCapturing} {
		id := "reset-" + string(from)
		_, err := s.CreateSessionIfAbsent(ctx, newTestSession(id))
		require.NoError(t, err)
		forceLifecycle(t, s, id, from)

		result, err := s.ResetSessionForReparse(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, TransitionConflict, result.Outcome)
		assert.Equal(t, from, result.ActualLifecycle)
	}
}

func TestFindStuckSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stuck := newTestSession("stuck")
	_, err := s.CreateSessionIfAbsent(ctx, stuck)
	require.NoError(t, err)
	forceLifecycle(t, s, "stuck", models.LifecycleEnded)
	_, err = s.db.Exec("UPDATE sessions SET parse_status = 'parsing', updated_at = ? WHERE id = 'stuck'",
		time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	fresh := newTestSession("fresh")
	_, err = s.CreateSessionIfAbsent(ctx, fresh)
	require.NoError(t, err)
	forceLifecycle(t, s, "fresh", models.LifecycleEnded)

	sessions, err := s.FindStuckSessions(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "stuck", sessions[0].ID)
}

func TestFindParsedWithoutSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unsummarized := newTestSession("bare")
	_, err := s.CreateSessionIfAbsent(ctx, unsummarized)
	require.NoError(t, err)
	forceLifecycle(t, s, "bare", models.LifecycleParsed)

	summarized := newTestSession("done")
	_, err = s.CreateSessionIfAbsent(ctx, summarized)
	require.NoError(t, err)
	forceLifecycle(t, s, "done", models.LifecycleParsed)
	require.NoError(t, s.SetSummary(ctx, "done", "fine"))

	sessions, err := s.FindParsedWithoutSummary(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "bare", sessions[0].ID)
}
