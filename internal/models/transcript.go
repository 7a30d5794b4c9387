package models

import "time"

// MessageRole is the logical author of a transcript turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleSummary   MessageRole = "summary"
)

// BlockType enumerates the structural units inside a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// TranscriptMessage is one logical turn of a parsed transcript. Owned by a
// Session and replaced wholesale on reparse, never patched in place.
type TranscriptMessage struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Ordinal    int         `json:"ordinal"`
	LineNumber int         `json:"line_number"`
	Role       MessageRole `json:"role"`
	Model      string      `json:"model,omitempty"`
	Timestamp  *time.Time  `json:"timestamp,omitempty"`

	// Token and cost fields are populated for assistant messages only.
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`

	// Fast-filter flags, derived from the message's content blocks.
	HasText       bool `json:"has_text"`
	HasThinking   bool `json:"has_thinking"`
	HasToolUse    bool `json:"has_tool_use"`
	HasToolResult bool `json:"has_tool_result"`
}

// ParsedContentBlock is one structural unit inside a TranscriptMessage,
// ordered by BlockOrder within its parent.
type ParsedContentBlock struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Type      BlockType `json:"type"`
	Order     int       `json:"block_order"`

	Text      string `json:"text,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Tool results above the inline cap are stored truncated; the original
	// UTF-8 byte length is preserved for display.
	Truncated          bool `json:"truncated,omitempty"`
	OriginalByteLength int  `json:"original_byte_length,omitempty"`
}
