package transcript

import (
	"time"

	"github.com/Jmemon/fuel/internal/models"
)

// DefaultToolResultCap is the inline size cap, in bytes, for tool_result text.
// Longer results are truncated and flagged, with the original length kept.
const DefaultToolResultCap = 10000

// SubagentToolName is the reserved tool name that spawns a subagent; uses of
// it are counted separately in the session stats.
const SubagentToolName = "Task"

// Options tune a parse run.
type Options struct {
	ToolResultCap int
}

// LineError records a single malformed or unrecognized line. One bad line
// never aborts the transcript.
type LineError struct {
	LineNumber int    `json:"line_number"`
	Message    string `json:"message"`
}

// Stats aggregates one pass over the parsed messages.
type Stats struct {
	TotalMessages    int
	UserMessages     int
	AssistantMsgs    int
	SystemMessages   int
	SummaryMessages  int
	ToolUseCount     int
	ThinkingBlocks   int
	ToolResultBlocks int
	SubagentCount    int
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
	FirstTimestamp   *time.Time
	LastTimestamp    *time.Time
	DurationMs       *int64
}

// Metadata carries session-level fields observed while parsing.
type Metadata struct {
	SessionID string
	Cwd       string
	GitBranch string
	Version   string
	Model     string
}

// Result is the full output of a parse: structured messages and blocks,
// aggregate stats, line-level errors, and observed metadata. Partial when the
// caller's context fires mid-stream.
type Result struct {
	Messages []*models.TranscriptMessage
	Blocks   []*models.ParsedContentBlock
	Stats    Stats
	Errors   []LineError
	Metadata Metadata
}
