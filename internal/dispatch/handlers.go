package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Jmemon/fuel/internal/models"
	"github.com/Jmemon/fuel/internal/pipeline"
	"github.com/Jmemon/fuel/internal/store"
	"github.com/Jmemon/fuel/internal/workspace"
)

// Handlers holds the event handlers' shared collaborators.
type Handlers struct {
	store  store.Store
	queue  *pipeline.Queue
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(s store.Store, queue *pipeline.Queue, logger *slog.Logger) *Handlers {
	return &Handlers{store: s, queue: queue, logger: logger}
}

// RegisterAll binds every known event type on the dispatcher.
func (h *Handlers) RegisterAll(d *Dispatcher) {
	d.Register(models.EventSessionStart, h.HandleSessionStart)
	d.Register(models.EventSessionEnd, h.HandleSessionEnd)
	for _, t := range []models.EventType{
		models.EventGitCommit, models.EventGitPush,
		models.EventGitCheckout, models.EventGitMerge,
	} {
		d.Register(t, h.HandleGitEvent)
	}
}

// HandleSessionStart registers the workspace, device, and session a start
// event describes. Every write is an insert-if-absent, so a redelivered event
// changes nothing.
func (h *Handlers) HandleSessionStart(ctx context.Context, e *models.Event) error {
	if e.SessionID == "" {
		return fmt.Errorf("session.start event %s missing session id", e.ID)
	}

	var data models.SessionStartData
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return fmt.Errorf("decode session.start data: %w", err)
		}
	}

	workspaceID := e.WorkspaceID
	if workspaceID == "" {
		workspaceID = models.NoWorkspaceID
	}
	if err := h.store.UpsertWorkspace(ctx, &models.Workspace{
		CanonicalID: workspaceID,
		Name:        workspace.DisplayName(workspaceID),
	}); err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	if e.DeviceID != "" {
		if err := h.store.UpsertDevice(ctx, &models.Device{
			ID:         e.DeviceID,
			Hostname:   data.Hostname,
			OS:         data.OS,
			Arch:       data.Arch,
			LastSeenAt: e.Timestamp,
		}); err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
	}

	if _, err := h.store.RecordEvent(ctx, e); err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	created, err := h.store.CreateSessionIfAbsent(ctx, &models.Session{
		ID:          e.SessionID,
		WorkspaceID: workspaceID,
		DeviceID:    e.DeviceID,
		Lifecycle:   models.LifecycleDetected,
		ParseStatus: models.ParseStatusPending,
		StartedAt:   e.Timestamp,
		GitBranch:   data.GitBranch,
		Cwd:         data.Cwd,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if created {
		h.logger.Info("session detected",
			"session_id", e.SessionID, "workspace_id", workspaceID, "source", data.Source)
	}

	if e.DeviceID != "" {
		first, err := h.store.MarkHooksSuggested(ctx, workspaceID, e.DeviceID)
		if err != nil {
			return fmt.Errorf("mark hooks suggested: %w", err)
		}
		if first {
			h.logger.Info("first session for workspace on device, git hooks not yet installed",
				"workspace_id", workspaceID, "device_id", e.DeviceID)
		}
	}
	return nil
}

// HandleSessionEnd records the end of a session and, when the transcript blob
// is already uploaded, hands the session to the pipeline. A start event that
// arrives later than its end is tolerated: the session row is created here
// directly in the ended state and the late start becomes a no-op.
func (h *Handlers) HandleSessionEnd(ctx context.Context, e *models.Event) error {
	if e.SessionID == "" {
		return fmt.Errorf("session.end event %s missing session id", e.ID)
	}

	var data models.SessionEndData
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return fmt.Errorf("decode session.end data: %w", err)
		}
	}
	endedAt := data.EndedAt
	if endedAt.IsZero() {
		endedAt = e.Timestamp
	}

	if _, err := h.store.RecordEvent(ctx, e); err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	workspaceID := e.WorkspaceID
	if workspaceID == "" {
		workspaceID = models.NoWorkspaceID
	}
	if err := h.store.UpsertWorkspace(ctx, &models.Workspace{
		CanonicalID: workspaceID,
		Name:        workspace.DisplayName(workspaceID),
	}); err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	if _, err := h.store.CreateSessionIfAbsent(ctx, &models.Session{
		ID:          e.SessionID,
		WorkspaceID: workspaceID,
		DeviceID:    e.DeviceID,
		Lifecycle:   models.LifecycleDetected,
		ParseStatus: models.ParseStatusPending,
		StartedAt:   e.Timestamp,
	}); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := h.store.SetSessionEnd(ctx, e.SessionID, endedAt); err != nil {
		return fmt.Errorf("set session end: %w", err)
	}
	if data.TranscriptS3Key != "" {
		if err := h.store.SetTranscriptKey(ctx, e.SessionID, data.TranscriptS3Key); err != nil {
			return fmt.Errorf("set transcript key: %w", err)
		}
	}

	tr, err := h.store.TransitionSession(ctx, e.SessionID,
		[]models.Lifecycle{models.LifecycleDetected, models.LifecycleCapturing},
		models.LifecycleEnded)
	if err != nil {
		return fmt.Errorf("transition to ended: %w", err)
	}
	if !tr.Applied() && tr.Outcome == store.TransitionConflict {
		// Redelivery after the session already advanced. Nothing to do.
		h.logger.Debug("session.end replay ignored",
			"session_id", e.SessionID, "lifecycle", tr.ActualLifecycle)
		return nil
	}

	if data.TranscriptS3Key != "" {
		h.queue.Enqueue(e.SessionID)
	}
	return nil
}

// sessionEndGrace extends git correlation past a session's recorded end, to
// absorb hooks that fire while the session is being wrapped up.
const sessionEndGrace = 2 * time.Minute

// HandleGitEvent records git activity and correlates it with the session that
// was active in the same workspace on the same device at the event's
// timestamp. Correlation is best-effort; uncorrelated activity is kept with
// an empty session id.
func (h *Handlers) HandleGitEvent(ctx context.Context, e *models.Event) error {
	var data models.GitEventData
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return fmt.Errorf("decode git event data: %w", err)
		}
	}

	if _, err := h.store.RecordEvent(ctx, e); err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	sessionID := e.SessionID
	if sessionID == "" && e.WorkspaceID != "" && e.DeviceID != "" {
		active, err := h.store.FindActiveSession(ctx, e.WorkspaceID, e.DeviceID, e.Timestamp)
		if err != nil {
			return fmt.Errorf("find active session: %w", err)
		}
		if active == nil {
			// Hooks can fire just after the session's recorded end; look back
			// within the grace window before giving up.
			active, err = h.store.FindActiveSession(ctx, e.WorkspaceID, e.DeviceID,
				e.Timestamp.Add(-sessionEndGrace))
			if err != nil {
				return fmt.Errorf("find active session: %w", err)
			}
		}
		if active != nil {
			sessionID = active.ID
			if err := h.store.BackfillEventSession(ctx, e.ID, sessionID); err != nil {
				return fmt.Errorf("backfill event session: %w", err)
			}
		}
	}

	if _, err := h.store.RecordGitActivity(ctx, &models.GitActivity{
		EventID:     e.ID,
		WorkspaceID: e.WorkspaceID,
		DeviceID:    e.DeviceID,
		SessionID:   sessionID,
		Action:      e.Type,
		Branch:      data.Branch,
		CommitHash:  data.CommitHash,
		OccurredAt:  e.Timestamp,
	}); err != nil {
		return fmt.Errorf("record git activity: %w", err)
	}
	return nil
}
