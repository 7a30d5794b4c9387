// Package transcript parses raw newline-delimited JSON session transcripts
// into structured messages, content blocks, and aggregate stats. It performs
// no I/O beyond reading the supplied stream and never fails on malformed
// input lines; those are collected as line-level errors.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Jmemon/fuel/internal/models"
)

// rawLine holds the discriminator and common fields of one JSONL line.
type rawLine struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	GitBranch string          `json:"gitBranch"`
	Version   string          `json:"version"`
	Summary   string          `json:"summary"`
	Content   string          `json:"content"`
	Message   json.RawMessage `json:"message"`
}

type rawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Line types that are internal bookkeeping, skipped silently.
var skippedLineTypes = map[string]bool{
	"file-history-snapshot": true,
	"queue-operation":       true,
	"progress":              true,
	"custom-title":          true,
}

// message is the in-flight accumulation of one logical turn. Assistant lines
// sharing a streaming message id merge into a single message.
type message struct {
	role       models.MessageRole
	model      string
	lineNumber int
	timestamp  *time.Time
	usage      rawUsage
	blocks     []*models.ParsedContentBlock
}

// Parse consumes a line-oriented transcript stream and returns structured
// results. Malformed lines are recorded in Result.Errors and skipped. The
// only early exit is ctx cancellation, which returns partial results along
// with the context error.
func Parse(ctx context.Context, r io.Reader, opts Options) (*Result, error) {
	capBytes := opts.ToolResultCap
	if capBytes <= 0 {
		capBytes = DefaultToolResultCap
	}

	res := &Result{}
	var ordered []*message
	byStreamID := map[string]*message{}

	scanner := bufio.NewScanner(r)
	// Single tool results can run to megabytes; transcripts above 100 MB are
	// normal, so the per-line buffer has to be generous.
	const maxLine = 16 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			finalize(res, ordered)
			return res, err
		}
		lineNo++

		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line rawLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			res.Errors = append(res.Errors, LineError{LineNumber: lineNo, Message: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}

		if skippedLineTypes[line.Type] {
			continue
		}

		captureMetadata(&res.Metadata, &line)

		switch line.Type {
		case "user":
			processUser(&line, lineNo, &ordered, res, capBytes)
		case "assistant":
			processAssistant(&line, lineNo, &ordered, byStreamID, res, capBytes)
		case "system":
			msg := &message{role: models.RoleSystem, lineNumber: lineNo, timestamp: parseTimestamp(line.Timestamp)}
			if line.Content != "" {
				msg.blocks = append(msg.blocks, &models.ParsedContentBlock{Type: models.BlockText, Text: line.Content})
			}
			ordered = append(ordered, msg)
		case "summary":
			msg := &message{role: models.RoleSummary, lineNumber: lineNo, timestamp: parseTimestamp(line.Timestamp)}
			if line.Summary != "" {
				msg.blocks = append(msg.blocks, &models.ParsedContentBlock{Type: models.BlockText, Text: line.Summary})
			}
			ordered = append(ordered, msg)
		default:
			res.Errors = append(res.Errors, LineError{LineNumber: lineNo, Message: fmt.Sprintf("unknown line type %q", line.Type)})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	finalize(res, ordered)
	return res, nil
}

func captureMetadata(meta *Metadata, line *rawLine) {
	if meta.SessionID == "" && line.SessionID != "" {
		meta.SessionID = line.SessionID
	}
	if meta.Cwd == "" && line.Cwd != "" {
		meta.Cwd = line.Cwd
	}
	if meta.GitBranch == "" && line.GitBranch != "" {
		meta.GitBranch = line.GitBranch
	}
	if meta.Version == "" && line.Version != "" {
		meta.Version = line.Version
	}
}

func processUser(line *rawLine, lineNo int, ordered *[]*message, res *Result, capBytes int) {
	var rm rawMessage
	if err := json.Unmarshal(line.Message, &rm); err != nil {
		res.Errors = append(res.Errors, LineError{LineNumber: lineNo, Message: fmt.Sprintf("invalid user message: %v", err)})
		return
	}
	msg := &message{role: models.RoleUser, lineNumber: lineNo, timestamp: parseTimestamp(line.Timestamp)}
	msg.blocks = convertContent(rm.Content, capBytes)
	*ordered = append(*ordered, msg)
}

func processAssistant(line *rawLine, lineNo int, ordered *[]*message, byStreamID map[string]*message, res *Result, capBytes int) {
	var rm rawMessage
	if err := json.Unmarshal(line.Message, &rm); err != nil {
		res.Errors = append(res.Errors, LineError{LineNumber: lineNo, Message: fmt.Sprintf("invalid assistant message: %v", err)})
		return
	}

	// Streaming produces several JSONL lines sharing one message id. Blocks
	// concatenate across the group in original order; usage comes from the
	// last line, which carries the most complete counters.
	msg := byStreamID[rm.ID]
	if msg == nil || rm.ID == "" {
		msg = &message{role: models.RoleAssistant, model: rm.Model, lineNumber: lineNo, timestamp: parseTimestamp(line.Timestamp)}
		*ordered = append(*ordered, msg)
		if rm.ID != "" {
			byStreamID[rm.ID] = msg
		}
	}
	msg.blocks = append(msg.blocks, convertContent(rm.Content, capBytes)...)
	if rm.Usage != nil {
		msg.usage = *rm.Usage
	}
}

// convertContent turns the structural content of a message (a bare string or
// an array of typed blocks) into ParsedContentBlock values. Thinking and
// tool_result blocks are value-only; no companion text block is emitted.
func convertContent(raw json.RawMessage, capBytes int) []*models.ParsedContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []*models.ParsedContentBlock{{Type: models.BlockText, Text: asString}}
	}

	var rawBlocks []rawBlock
	if err := json.Unmarshal(raw, &rawBlocks); err != nil {
		return nil
	}

	var blocks []*models.ParsedContentBlock
	for _, rb := range rawBlocks {
		switch rb.Type {
		case "text":
			blocks = append(blocks, &models.ParsedContentBlock{Type: models.BlockText, Text: rb.Text})
		case "thinking", "redacted_thinking":
			blocks = append(blocks, &models.ParsedContentBlock{Type: models.BlockThinking, Text: rb.Thinking})
		case "tool_use":
			blocks = append(blocks, &models.ParsedContentBlock{
				Type:      models.BlockToolUse,
				ToolName:  rb.Name,
				ToolUseID: rb.ID,
				ToolInput: string(rb.Input),
			})
		case "tool_result":
			text, truncated, origLen := capToolResult(flattenToolResult(rb.Content), capBytes)
			blocks = append(blocks, &models.ParsedContentBlock{
				Type:               models.BlockToolResult,
				Text:               text,
				ToolUseID:          rb.ToolUseID,
				IsError:            rb.IsError,
				Truncated:          truncated,
				OriginalByteLength: origLen,
			})
		}
	}
	return blocks
}

// flattenToolResult extracts the textual content of a tool_result, which may
// be a bare string or an array of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var rawBlocks []rawBlock
	if err := json.Unmarshal(raw, &rawBlocks); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for _, rb := range rawBlocks {
		if rb.Type == "text" && rb.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(rb.Text)
		}
	}
	return sb.String()
}

// capToolResult enforces the inline size cap, preserving the original UTF-8
// byte length when truncating.
func capToolResult(text string, capBytes int) (string, bool, int) {
	origLen := len(text)
	if origLen <= capBytes {
		return text, false, origLen
	}
	cut := capBytes
	// Back up to a rune boundary so truncation never splits a character.
	for cut > 0 && (text[cut]&0xC0) == 0x80 {
		cut--
	}
	return text[:cut], true, origLen
}

// finalize assigns ordinals, derives per-message flags and cost, and computes
// the aggregate stats in one pass over the already-built messages.
func finalize(res *Result, ordered []*message) {
	for i, msg := range ordered {
		tm := &models.TranscriptMessage{
			ID:         ulid.Make().String(),
			Ordinal:    i,
			LineNumber: msg.lineNumber,
			Role:       msg.role,
			Model:      msg.model,
			Timestamp:  msg.timestamp,
		}
		if msg.role == models.RoleAssistant {
			tm.InputTokens = msg.usage.InputTokens
			tm.OutputTokens = msg.usage.OutputTokens
			tm.CacheReadTokens = msg.usage.CacheReadInputTokens
			tm.CacheWriteTokens = msg.usage.CacheCreationInputTokens
			tm.CostUSD = CostUSD(tm.InputTokens, tm.OutputTokens, tm.CacheReadTokens, tm.CacheWriteTokens)
		}

		res.Messages = append(res.Messages, tm)

		for order, b := range msg.blocks {
			b.MessageID = tm.ID
			b.Order = order
			res.Blocks = append(res.Blocks, b)
			switch b.Type {
			case models.BlockText:
				tm.HasText = true
			case models.BlockThinking:
				tm.HasThinking = true
				res.Stats.ThinkingBlocks++
			case models.BlockToolUse:
				tm.HasToolUse = true
				res.Stats.ToolUseCount++
				if b.ToolName == SubagentToolName {
					res.Stats.SubagentCount++
				}
			case models.BlockToolResult:
				tm.HasToolResult = true
				res.Stats.ToolResultBlocks++
			}
		}

		res.Stats.TotalMessages++
		switch msg.role {
		case models.RoleUser:
			res.Stats.UserMessages++
		case models.RoleAssistant:
			res.Stats.AssistantMsgs++
			res.Stats.InputTokens += tm.InputTokens
			res.Stats.OutputTokens += tm.OutputTokens
			res.Stats.CacheReadTokens += tm.CacheReadTokens
			res.Stats.CacheWriteTokens += tm.CacheWriteTokens
			res.Stats.CostUSD += tm.CostUSD
			if res.Metadata.Model == "" && msg.model != "" {
				res.Metadata.Model = msg.model
			}
		case models.RoleSystem:
			res.Stats.SystemMessages++
		case models.RoleSummary:
			res.Stats.SummaryMessages++
		}

		if msg.timestamp != nil {
			if res.Stats.FirstTimestamp == nil || msg.timestamp.Before(*res.Stats.FirstTimestamp) {
				res.Stats.FirstTimestamp = msg.timestamp
			}
			if res.Stats.LastTimestamp == nil || msg.timestamp.After(*res.Stats.LastTimestamp) {
				res.Stats.LastTimestamp = msg.timestamp
			}
		}
	}

	if res.Stats.FirstTimestamp != nil && res.Stats.LastTimestamp != nil {
		ms := res.Stats.LastTimestamp.Sub(*res.Stats.FirstTimestamp).Milliseconds()
		res.Stats.DurationMs = &ms
	}
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return &ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts
	}
	return nil
}
