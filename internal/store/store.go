package store

import (
	"context"
	"time"

	"github.com/Jmemon/fuel/internal/models"
)

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	WorkspaceID string
	DeviceID    string
	Lifecycle   models.Lifecycle
	Tag         string
	Limit       int
}

// TransitionOutcome classifies the result of a guarded lifecycle transition.
type TransitionOutcome int

const (
	// TransitionApplied means the conditional update changed the row.
	TransitionApplied TransitionOutcome = iota
	// TransitionConflict means another writer already moved the session out
	// of the expected from-set. ActualLifecycle holds the observed state.
	TransitionConflict
	// TransitionNotFound means no session row exists for the id.
	TransitionNotFound
)

// TransitionResult reports what a guarded transition did. State conflicts
// are data, not errors: callers inspect Outcome and decide.
type TransitionResult struct {
	Outcome         TransitionOutcome
	ActualLifecycle models.Lifecycle
}

// Applied reports whether the transition changed the row.
func (r TransitionResult) Applied() bool { return r.Outcome == TransitionApplied }

// ParsedTranscript bundles the rows the orchestrator persists in one
// transaction after a parse.
type ParsedTranscript struct {
	Messages []*models.TranscriptMessage
	Blocks   []*models.ParsedContentBlock
}

// SessionStats holds the derived columns updated alongside a parse.
type SessionStats struct {
	TotalMessages    int
	UserMessages     int
	AssistantMsgs    int
	ToolUseCount     int
	ThinkingBlocks   int
	SubagentCount    int
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostEstimateUSD  float64
	DurationMs       *int64
}

// Store defines the persistence interface for fuel.
type Store interface {
	// Sessions
	CreateSessionIfAbsent(ctx context.Context, s *models.Session) (created bool, err error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	SetTranscriptKey(ctx context.Context, id, key string) error
	SetSessionEnd(ctx context.Context, id string, endedAt time.Time) error
	SetParseStatus(ctx context.Context, id string, status models.ParseStatus, parseErr string) error
	SetSummary(ctx context.Context, id, summary string) error
	SetTags(ctx context.Context, id string, tags []string) error

	// Lifecycle state machine
	TransitionSession(ctx context.Context, id string, from []models.Lifecycle, to models.Lifecycle) (TransitionResult, error)
	FailSession(ctx context.Context, id, reason string) (TransitionResult, error)
	ResetSessionForReparse(ctx context.Context, id string) (TransitionResult, error)
	FindStuckSessions(ctx context.Context, olderThan time.Duration) ([]*models.Session, error)
	FindParsedWithoutSummary(ctx context.Context, limit int) ([]*models.Session, error)

	// Parsed transcript persistence (delete-then-insert, single tx)
	ReplaceParsedTranscript(ctx context.Context, sessionID string, pt *ParsedTranscript, stats SessionStats) error
	ListTranscriptMessages(ctx context.Context, sessionID string) ([]*models.TranscriptMessage, error)
	ListContentBlocks(ctx context.Context, messageID string) ([]*models.ParsedContentBlock, error)
	CountChildRows(ctx context.Context, sessionID string) (messages, blocks int, err error)

	// Workspaces and devices
	UpsertWorkspace(ctx context.Context, w *models.Workspace) error
	GetWorkspace(ctx context.Context, canonicalID string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
	UpsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	MarkHooksSuggested(ctx context.Context, workspaceID, deviceID string) (first bool, err error)

	// Events and git activity
	RecordEvent(ctx context.Context, e *models.Event) (inserted bool, err error)
	BackfillEventSession(ctx context.Context, eventID, sessionID string) error
	RecordGitActivity(ctx context.Context, ga *models.GitActivity) (inserted bool, err error)
	FindActiveSession(ctx context.Context, workspaceID, deviceID string, at time.Time) (*models.Session, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
