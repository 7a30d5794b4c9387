package pipeline

import (
	"fmt"
	"strings"

	"github.com/Jmemon/fuel/internal/models"
)

// Prompt rendering limits. User turns carry the session's intent so they get
// a larger per-message cap than assistant prose; the global ceiling keeps
// prompts bounded regardless of transcript size.
const (
	userTextCap      = 500
	assistantTextCap = 300
	promptCeiling    = 8000
	promptHeadKeep   = 20
	promptTailKeep   = 20
)

// PromptMessage pairs a message with its content blocks for rendering.
type PromptMessage struct {
	Role   models.MessageRole
	Blocks []*models.ParsedContentBlock
}

// RenderPrompt condenses a parsed transcript into a bounded prompt for
// summarization. User messages contribute their first text block (capped);
// assistant messages contribute capped text plus one-line tool markers;
// thinking and tool results are omitted entirely. Oversized transcripts keep
// a fixed head and tail with a truncation marker in between, preserving both
// the opening context and the most recent activity.
func RenderPrompt(msgs []PromptMessage) string {
	var rendered []string
	for _, m := range msgs {
		if line := renderMessage(m); line != "" {
			rendered = append(rendered, line)
		}
	}

	total := 0
	for _, r := range rendered {
		total += len(r) + 1
	}
	if total > promptCeiling && len(rendered) > promptHeadKeep+promptTailKeep {
		dropped := len(rendered) - promptHeadKeep - promptTailKeep
		head := rendered[:promptHeadKeep]
		tail := rendered[len(rendered)-promptTailKeep:]
		rendered = append(append(append([]string{}, head...),
			fmt.Sprintf("[truncated %d messages]", dropped)), tail...)
	}

	return strings.Join(rendered, "\n")
}

func renderMessage(m PromptMessage) string {
	switch m.Role {
	case models.RoleUser:
		for _, b := range m.Blocks {
			if b.Type == models.BlockText && b.Text != "" {
				return "User: " + capText(b.Text, userTextCap)
			}
		}
		return ""
	case models.RoleAssistant:
		var parts []string
		for _, b := range m.Blocks {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					parts = append(parts, capText(b.Text, assistantTextCap))
				}
			case models.BlockToolUse:
				parts = append(parts, fmt.Sprintf("used `%s`", b.ToolName))
			}
		}
		if len(parts) == 0 {
			return ""
		}
		return "Assistant: " + strings.Join(parts, "\n")
	default:
		return ""
	}
}

func capText(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && (text[cut]&0xC0) == 0x80 {
		cut--
	}
	return text[:cut] + "…"
}
