package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmemon/fuel/internal/models"
	"github.com/Jmemon/fuel/internal/pipeline"
	"github.com/Jmemon/fuel/internal/store"
)

func newTestHandlers(t *testing.T) (*Handlers, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.DiscardHandler)
	queue := pipeline.NewQueue(1, 16, logger, func(ctx context.Context, sessionID string) error {
		return nil
	})
	return NewHandlers(s, queue, logger), s
}

func mustData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func startEvent(id, sessionID string, ts time.Time) *models.Event {
	return &models.Event{
		ID:          id,
		Type:        models.EventSessionStart,
		Timestamp:   ts,
		DeviceID:    "laptop",
		WorkspaceID: "github.com/acme/widgets",
		SessionID:   sessionID,
	}
}

func TestHandleSessionStart(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Second)

	e := startEvent("ev-1", "sess-1", ts)
	e.Data = mustData(t, models.SessionStartData{
		Cwd: "/home/u/widgets", GitBranch: "main",
		Hostname: "laptop.local", OS: "linux", Arch: "amd64", Source: "hook",
	})
	require.NoError(t, h.HandleSessionStart(ctx, e))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleDetected, sess.Lifecycle)
	assert.Equal(t, models.ParseStatusPending, sess.ParseStatus)
	assert.Equal(t, "github.com/acme/widgets", sess.WorkspaceID)
	assert.Equal(t, "main", sess.GitBranch)
	assert.Equal(t, "/home/u/widgets", sess.Cwd)

	ws, err := s.GetWorkspace(ctx, "github.com/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "widgets", ws.Name)

	dev, err := s.GetDevice(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, "laptop.local", dev.Hostname)
}

func TestHandleSessionStart_Replay(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	e := startEvent("ev-1", "sess-1", ts)
	require.NoError(t, h.HandleSessionStart(ctx, e))
	require.NoError(t, h.HandleSessionStart(ctx, e))

	sessions, err := s.ListSessions(ctx, store.SessionListFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestHandleSessionStart_MissingSessionID(t *testing.T) {
	h, _ := newTestHandlers(t)
	e := startEvent("ev-1", "", time.Now())
	assert.Error(t, h.HandleSessionStart(context.Background(), e))
}

func TestHandleSessionStart_NoWorkspaceFallback(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()

	e := startEvent("ev-1", "sess-1", time.Now().UTC())
	e.WorkspaceID = ""
	require.NoError(t, h.HandleSessionStart(ctx, e))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.NoWorkspaceID, sess.WorkspaceID)
}

func TestHandleSessionEnd(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	end := start.Add(9 * time.Minute)

	require.NoError(t, h.HandleSessionStart(ctx, startEvent("ev-1", "sess-1", start)))

	endEvent := &models.Event{
		ID: "ev-2", Type: models.EventSessionEnd, Timestamp: end,
		DeviceID: "laptop", WorkspaceID: "github.com/acme/widgets", SessionID: "sess-1",
		Data: mustData(t, models.SessionEndData{
			EndedAt:         end,
			TranscriptS3Key: "transcripts/github.com/acme/widgets/sess-1/raw.jsonl",
		}),
	}
	require.NoError(t, h.HandleSessionEnd(ctx, endEvent))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
	require.NotNil(t, sess.EndedAt)
	assert.WithinDuration(t, end, *sess.EndedAt, time.Second)
	assert.Equal(t, "transcripts/github.com/acme/widgets/sess-1/raw.jsonl", sess.TranscriptS3Key)
}

func TestHandleSessionEnd_BeforeStart(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	// End arrives first; the session row is created directly.
	endEvent := &models.Event{
		ID: "ev-2", Type: models.EventSessionEnd, Timestamp: ts,
		DeviceID: "laptop", WorkspaceID: "github.com/acme/widgets", SessionID: "sess-1",
	}
	require.NoError(t, h.HandleSessionEnd(ctx, endEvent))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)

	// The late start is a no-op against the existing row.
	require.NoError(t, h.HandleSessionStart(ctx, startEvent("ev-1", "sess-1", ts.Add(-time.Minute))))
	sess, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
}

func TestHandleSessionEnd_Replay(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	endEvent := &models.Event{
		ID: "ev-2", Type: models.EventSessionEnd, Timestamp: ts,
		DeviceID: "laptop", WorkspaceID: "github.com/acme/widgets", SessionID: "sess-1",
	}
	require.NoError(t, h.HandleSessionEnd(ctx, endEvent))
	// Redelivery after the session already reached ended is a clean no-op.
	require.NoError(t, h.HandleSessionEnd(ctx, endEvent))

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
}

func TestHandleGitEvent_CorrelatesActiveSession(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, h.HandleSessionStart(ctx, startEvent("ev-1", "sess-1", start)))

	commit := &models.Event{
		ID: "ev-git-1", Type: models.EventGitCommit, Timestamp: start.Add(5 * time.Minute),
		DeviceID: "laptop", WorkspaceID: "github.com/acme/widgets",
		Data: mustData(t, models.GitEventData{Branch: "main", CommitHash: "abc123"}),
	}
	require.NoError(t, h.HandleGitEvent(ctx, commit))

	// The handler already inserted the activity row keyed by the event id.
	inserted, err := s.RecordGitActivity(ctx, &models.GitActivity{
		EventID: "ev-git-1", Action: models.EventGitCommit, OccurredAt: commit.Timestamp,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestHandleGitEvent_GraceWindowAfterEnd(t *testing.T) {
	h, s := newTestHandlers(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)
	end := start.Add(30 * time.Minute)

	require.NoError(t, h.HandleSessionStart(ctx, startEvent("ev-1", "sess-1", start)))
	require.NoError(t, s.SetSessionEnd(ctx, "sess-1", end))

	// Fires one minute after the session's end; the grace lookback still
	// correlates it.
	commit := &models.Event{
		ID: "ev-git-1", Type: models.EventGitCommit, Timestamp: end.Add(time.Minute),
		DeviceID: "laptop", WorkspaceID: "github.com/acme/widgets",
	}
	require.NoError(t, h.HandleGitEvent(ctx, commit))
}

func TestHandleGitEvent_Replay(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	commit := &models.Event{
		ID: "ev-git-1", Type: models.EventGitCommit, Timestamp: time.Now().UTC(),
		DeviceID: "laptop", WorkspaceID: "github.com/acme/widgets",
	}
	require.NoError(t, h.HandleGitEvent(ctx, commit))
	require.NoError(t, h.HandleGitEvent(ctx, commit))
}
