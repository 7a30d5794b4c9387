package backfill

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jmemon/fuel/internal/models"
)

// fakeBackend imitates the ingestion API surface for ingestor tests.
type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	events   []models.Event
	uploads  map[string]string

	// afterEvents, when set, runs after an event batch is recorded and
	// before the response is written. Lets tests hold workers in flight.
	afterEvents func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions: map[string]*models.Session{},
		uploads:  map[string]string{},
	}
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		sess, ok := f.sessions[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess)
	})
	mux.HandleFunc("POST /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		var events []models.Event
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.events = append(f.events, events...)
		f.mu.Unlock()
		if f.afterEvents != nil {
			f.afterEvents()
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]int{"accepted": len(events)})
	})
	mux.HandleFunc("PUT /api/v1/sessions/{id}/transcript", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.uploads[r.PathValue("id")] = string(body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func newTestIngestor(t *testing.T, backend *fakeBackend) (*Ingestor, string) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	stateFile := filepath.Join(t.TempDir(), "state", "backfill.json")
	return NewIngestor(NewClient(srv.URL), stateFile, slog.New(slog.DiscardHandler)), stateFile
}

func discovered(t *testing.T, sessionID string) DiscoveredSession {
	t.Helper()
	path := writeTranscript(t, t.TempDir(), sessionID,
		transcriptLine(sessionID, "/home/u/proj", "2026-01-10T10:00:00Z"))
	first := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	last := first.Add(30 * time.Minute)
	return DiscoveredSession{
		SessionID:      sessionID,
		Path:           path,
		WorkspaceID:    "github.com/acme/widgets",
		Cwd:            "/home/u/proj",
		GitBranch:      "main",
		FirstTimestamp: &first,
		LastTimestamp:  &last,
	}
}

func TestIngestor_IngestsNewSession(t *testing.T) {
	backend := newFakeBackend()
	in, stateFile := newTestIngestor(t, backend)
	ds := discovered(t, sessA)

	result, err := in.Run(context.Background(), []DiscoveredSession{ds})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ingested)
	assert.Empty(t, result.Errors)

	// Start and end published together, stamped as backfill.
	require.Len(t, backend.events, 2)
	assert.Equal(t, models.EventSessionStart, backend.events[0].Type)
	assert.Equal(t, models.EventSessionEnd, backend.events[1].Type)
	assert.Equal(t, sessA, backend.events[0].SessionID)
	var startData models.SessionStartData
	require.NoError(t, json.Unmarshal(backend.events[0].Data, &startData))
	assert.Equal(t, "backfill", startData.Source)
	assert.Equal(t, "/home/u/proj", startData.Cwd)

	assert.Contains(t, backend.uploads[sessA], `"type":"user"`)

	// Resume state persisted.
	data, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal(data, &ids))
	assert.Equal(t, []string{sessA}, ids)
}

func TestIngestor_ResumeSkipsIngested(t *testing.T) {
	backend := newFakeBackend()
	in, stateFile := newTestIngestor(t, backend)

	require.NoError(t, os.MkdirAll(filepath.Dir(stateFile), 0o755))
	require.NoError(t, os.WriteFile(stateFile, []byte(`["`+sessA+`"]`), 0o644))

	result, err := in.Run(context.Background(), []DiscoveredSession{discovered(t, sessA)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedResumed)
	assert.Zero(t, result.Ingested)
	assert.Empty(t, backend.events)
}

func TestIngestor_SkipsSessionsTheBackendAlreadyProcessed(t *testing.T) {
	backend := newFakeBackend()
	backend.sessions[sessA] = &models.Session{ID: sessA, Lifecycle: models.LifecycleParsed}
	in, _ := newTestIngestor(t, backend)

	result, err := in.Run(context.Background(), []DiscoveredSession{discovered(t, sessA)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedExists)
	assert.Zero(t, result.Ingested)
	assert.Empty(t, backend.events)

	// A second run skips via resume state without asking the backend again.
	result, err = in.Run(context.Background(), []DiscoveredSession{discovered(t, sessA)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedResumed)
}

func TestIngestor_ReingestsDetectedSession(t *testing.T) {
	// A session the backend only detected (no transcript yet) gets replayed.
	backend := newFakeBackend()
	backend.sessions[sessA] = &models.Session{ID: sessA, Lifecycle: models.LifecycleDetected}
	in, _ := newTestIngestor(t, backend)

	result, err := in.Run(context.Background(), []DiscoveredSession{discovered(t, sessA)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ingested)
	assert.Len(t, backend.events, 2)
}

func TestIngestor_CorruptStateStartsFresh(t *testing.T) {
	backend := newFakeBackend()
	in, stateFile := newTestIngestor(t, backend)

	require.NoError(t, os.MkdirAll(filepath.Dir(stateFile), 0o755))
	require.NoError(t, os.WriteFile(stateFile, []byte("{broken"), 0o644))

	result, err := in.Run(context.Background(), []DiscoveredSession{discovered(t, sessA)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ingested)
}

func TestIngestor_CancelledRunNeverSplitsSessionEvents(t *testing.T) {
	// Start and end travel in one batch, so a session the backend learned
	// about always has its end event even when the run is cancelled between
	// the publish and the transcript upload.
	backend := newFakeBackend()
	started := make(chan struct{}, 16)
	backend.afterEvents = func() {
		started <- struct{}{}
		time.Sleep(30 * time.Millisecond)
	}
	in, _ := newTestIngestor(t, backend)
	in.concurrency = 2

	var sessions []DiscoveredSession
	for i := 0; i < 6; i++ {
		sessions = append(sessions, discovered(t, uuid.NewString()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	result, err := in.Run(ctx, sessions)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, result.Ingested, len(sessions))

	// Give aborted handlers a moment to finish, then snapshot.
	time.Sleep(50 * time.Millisecond)
	backend.mu.Lock()
	events := append([]models.Event(nil), backend.events...)
	backend.mu.Unlock()

	seen := map[string]map[models.EventType]bool{}
	for _, ev := range events {
		if seen[ev.SessionID] == nil {
			seen[ev.SessionID] = map[models.EventType]bool{}
		}
		seen[ev.SessionID][ev.Type] = true
	}
	for id, types := range seen {
		assert.True(t, types[models.EventSessionEnd],
			"session %s has a start event but no end event", id)
	}
}

func TestIngestor_MissingTranscriptIsPerSessionError(t *testing.T) {
	backend := newFakeBackend()
	in, _ := newTestIngestor(t, backend)

	ds := discovered(t, sessA)
	ds.Path = filepath.Join(t.TempDir(), "gone.jsonl")
	good := discovered(t, sessB)

	result, err := in.Run(context.Background(), []DiscoveredSession{ds, good})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ingested)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, sessA, result.Errors[0].SessionID)
}
