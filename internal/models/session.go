package models

import "time"

// Lifecycle represents a session's pipeline stage.
type Lifecycle string

const (
	LifecycleDetected   Lifecycle = "detected"
	LifecycleCapturing  Lifecycle = "capturing"
	LifecycleEnded      Lifecycle = "ended"
	LifecycleParsed     Lifecycle = "parsed"
	LifecycleSummarized Lifecycle = "summarized"
	LifecycleArchived   Lifecycle = "archived"
	LifecycleFailed     Lifecycle = "failed"
)

// ParseStatus tracks transcript processing progress within a lifecycle state.
type ParseStatus string

const (
	ParseStatusPending   ParseStatus = "pending"
	ParseStatusParsing   ParseStatus = "parsing"
	ParseStatusCompleted ParseStatus = "completed"
	ParseStatusFailed    ParseStatus = "failed"
)

// Transitions is the legal lifecycle transition table. A transition not
// listed here must be rejected without mutating the session.
var Transitions = map[Lifecycle][]Lifecycle{
	LifecycleDetected:   {LifecycleCapturing, LifecycleEnded, LifecycleFailed},
	LifecycleCapturing:  {LifecycleEnded, LifecycleFailed},
	LifecycleEnded:      {LifecycleParsed, LifecycleFailed},
	LifecycleParsed:     {LifecycleSummarized, LifecycleFailed},
	LifecycleSummarized: {LifecycleArchived},
	LifecycleArchived:   {},
	LifecycleFailed:     {},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to Lifecycle) bool {
	for _, t := range Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// NonTerminal lists the lifecycle states FailSession may transition from.
var NonTerminal = []Lifecycle{
	LifecycleDetected, LifecycleCapturing, LifecycleEnded,
	LifecycleParsed, LifecycleSummarized,
}

// Resettable lists the lifecycle states a reparse reset is allowed from.
// A session that never produced a transcript (detected/capturing) cannot
// be reset.
var Resettable = []Lifecycle{
	LifecycleEnded, LifecycleParsed, LifecycleSummarized, LifecycleFailed,
}

// Session is the central aggregate driven through the processing pipeline.
// Identity is the caller-supplied session id, stable across start/end.
type Session struct {
	ID              string      `json:"id"`
	WorkspaceID     string      `json:"workspace_id"`
	DeviceID        string      `json:"device_id"`
	Lifecycle       Lifecycle   `json:"lifecycle"`
	ParseStatus     ParseStatus `json:"parse_status"`
	ParseError      string      `json:"parse_error,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	DurationMs      *int64      `json:"duration_ms,omitempty"`
	TranscriptS3Key string      `json:"transcript_s3_key,omitempty"`
	GitBranch       string      `json:"git_branch,omitempty"`
	Cwd             string      `json:"cwd,omitempty"`

	// Derived from the parsed transcript; nulled on reset-for-reparse.
	TotalMessages    int     `json:"total_messages"`
	UserMessages     int     `json:"user_messages"`
	AssistantMsgs    int     `json:"assistant_messages"`
	ToolUseCount     int     `json:"tool_use_count"`
	ThinkingBlocks   int     `json:"thinking_blocks"`
	SubagentCount    int     `json:"subagent_count"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostEstimateUSD  float64 `json:"cost_estimate_usd"`

	Summary string   `json:"summary,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
