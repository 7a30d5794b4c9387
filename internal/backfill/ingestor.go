package backfill

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Jmemon/fuel/internal/models"
)

// DefaultConcurrency is the ingestor's worker pool size.
const DefaultConcurrency = 10

// SessionError records a permanent per-session failure. The pool keeps going.
type SessionError struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// Result summarizes one ingestion run.
type Result struct {
	Ingested       int            `json:"ingested"`
	SkippedResumed int            `json:"skipped_resumed"`
	SkippedExists  int            `json:"skipped_exists"`
	Errors         []SessionError `json:"errors,omitempty"`
}

// Ingestor replays discovered sessions through the public ingestion surface
// with a bounded worker pool. Progress is persisted as a set of ingested ids
// so an interrupted run resumes where it left off.
type Ingestor struct {
	client      *Client
	logger      *slog.Logger
	stateFile   string
	concurrency int
	deviceID    string

	mu       sync.Mutex
	ingested map[string]bool
	result   Result
}

// NewIngestor creates an ingestor persisting resume state to stateFile.
func NewIngestor(client *Client, stateFile string, logger *slog.Logger) *Ingestor {
	hostname, _ := os.Hostname()
	return &Ingestor{
		client:      client,
		logger:      logger,
		stateFile:   stateFile,
		concurrency: DefaultConcurrency,
		deviceID:    hostname,
		ingested:    map[string]bool{},
	}
}

// Run ingests the given sessions. Cancellation stops new work from launching
// and interrupts retry sleeps; in-flight requests finish or fail naturally.
func (in *Ingestor) Run(ctx context.Context, sessions []DiscoveredSession) (*Result, error) {
	if err := in.loadState(); err != nil {
		in.logger.Warn("resume state unreadable, starting fresh",
			"path", in.stateFile, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for _, ds := range sessions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			in.ingestOne(gctx, ds)
			return nil
		})
	}
	err := g.Wait()

	in.mu.Lock()
	result := in.result
	in.mu.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	return &result, err
}

func (in *Ingestor) ingestOne(ctx context.Context, ds DiscoveredSession) {
	in.mu.Lock()
	done := in.ingested[ds.SessionID]
	in.mu.Unlock()
	if done {
		in.addSkippedResumed()
		return
	}

	existing, err := in.client.GetSession(ctx, ds.SessionID)
	if err != nil {
		in.addError(ds.SessionID, err)
		return
	}
	if existing != nil && existing.Lifecycle != models.LifecycleDetected &&
		existing.Lifecycle != models.LifecycleCapturing {
		// The backend already has this session past capture; just remember it.
		in.markIngested(ds.SessionID)
		in.addSkippedExists()
		return
	}

	// Start and end are published together so the session reaches ended even
	// if the upload below fails; the reparse path can recover it later.
	if err := in.client.PublishEvents(ctx, in.syntheticEvents(ds)); err != nil {
		in.addError(ds.SessionID, err)
		return
	}
	if err := in.client.UploadTranscript(ctx, ds.SessionID, ds.Path); err != nil {
		in.addError(ds.SessionID, err)
		return
	}

	in.markIngested(ds.SessionID)
	in.addIngested()
	in.logger.Info("session backfilled", "session_id", ds.SessionID, "workspace_id", ds.WorkspaceID)
}

func (in *Ingestor) syntheticEvents(ds DiscoveredSession) []models.Event {
	startedAt := time.Now()
	if ds.FirstTimestamp != nil {
		startedAt = *ds.FirstTimestamp
	}
	endedAt := startedAt
	if ds.LastTimestamp != nil {
		endedAt = *ds.LastTimestamp
	}

	startData, _ := json.Marshal(models.SessionStartData{
		Cwd:       ds.Cwd,
		GitBranch: ds.GitBranch,
		Hostname:  in.deviceID,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Source:    "backfill",
	})
	endData, _ := json.Marshal(models.SessionEndData{
		EndedAt:    endedAt,
		ExitReason: "backfill",
	})

	return []models.Event{
		{
			ID:          ulid.Make().String(),
			Type:        models.EventSessionStart,
			Timestamp:   startedAt,
			DeviceID:    in.deviceID,
			WorkspaceID: ds.WorkspaceID,
			SessionID:   ds.SessionID,
			Data:        startData,
		},
		{
			ID:          ulid.Make().String(),
			Type:        models.EventSessionEnd,
			Timestamp:   endedAt,
			DeviceID:    in.deviceID,
			WorkspaceID: ds.WorkspaceID,
			SessionID:   ds.SessionID,
			Data:        endData,
		},
	}
}

func (in *Ingestor) markIngested(sessionID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ingested[sessionID] = true
	if err := in.saveStateLocked(); err != nil {
		in.logger.Warn("persist resume state", "error", err)
	}
}

func (in *Ingestor) addIngested() {
	in.mu.Lock()
	in.result.Ingested++
	in.mu.Unlock()
}

func (in *Ingestor) addSkippedResumed() {
	in.mu.Lock()
	in.result.SkippedResumed++
	in.mu.Unlock()
}

func (in *Ingestor) addSkippedExists() {
	in.mu.Lock()
	in.result.SkippedExists++
	in.mu.Unlock()
}

func (in *Ingestor) addError(sessionID string, err error) {
	in.logger.Warn("session backfill failed", "session_id", sessionID, "error", err)
	in.mu.Lock()
	in.result.Errors = append(in.result.Errors, SessionError{
		SessionID: sessionID, Error: err.Error(),
	})
	in.mu.Unlock()
}

func (in *Ingestor) loadState() error {
	data, err := os.ReadFile(in.stateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		in.ingested[id] = true
	}
	return nil
}

func (in *Ingestor) saveStateLocked() error {
	ids := make([]string, 0, len(in.ingested))
	for id := range in.ingested {
		ids = append(ids, id)
	}
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(in.stateFile), 0o755); err != nil {
		return err
	}
	tmp := in.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, in.stateFile)
}
