// Package pipeline drives sessions through the processing stages: blob
// download, transcript parse, persistence, optional summarization, and the
// lifecycle transitions between them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Jmemon/fuel/internal/blob"
	"github.com/Jmemon/fuel/internal/models"
	"github.com/Jmemon/fuel/internal/store"
	"github.com/Jmemon/fuel/internal/transcript"
)

// Summarizer is the LLM collaborator. Nil disables summarization.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Orchestrator chains blob I/O, parsing, persistence, and summarization for
// one session at a time. It holds no per-session locks: two concurrent runs
// are possible and harmless, because only one wins the ended->parsed
// transition.
type Orchestrator struct {
	store      store.Store
	blobs      blob.Store
	summarizer Summarizer
	logger     *slog.Logger
}

// NewOrchestrator wires the pipeline. summarizer may be nil.
func NewOrchestrator(s store.Store, blobs blob.Store, summarizer Summarizer, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      s,
		blobs:      blobs,
		summarizer: summarizer,
		logger:     logger,
	}
}

// Process runs the full pipeline for a session: download its transcript
// blob, parse it, replace the parsed rows and derived stats in one
// transaction, transition ended->parsed, then attempt summarization.
// A missing blob pointer fails fast without transitioning; unrecoverable
// failures in the parse/persist steps transition the session to failed.
// Summarization failures never do: the session stays parsed and the recovery
// sweep retries later.
func (o *Orchestrator) Process(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.TranscriptS3Key == "" {
		return fmt.Errorf("session %s has no transcript blob key", sessionID)
	}

	if err := o.store.SetParseStatus(ctx, sessionID, models.ParseStatusParsing, ""); err != nil {
		return err
	}

	result, err := o.parseBlob(ctx, sess.TranscriptS3Key)
	if err != nil {
		return o.failSession(ctx, sessionID, err)
	}
	if len(result.Errors) > 0 {
		o.logger.Warn("transcript parsed with line errors",
			"session_id", sessionID, "error_count", len(result.Errors))
	}

	stats := store.SessionStats{
		TotalMessages:    result.Stats.TotalMessages,
		UserMessages:     result.Stats.UserMessages,
		AssistantMsgs:    result.Stats.AssistantMsgs,
		ToolUseCount:     result.Stats.ToolUseCount,
		ThinkingBlocks:   result.Stats.ThinkingBlocks,
		SubagentCount:    result.Stats.SubagentCount,
		InputTokens:      result.Stats.InputTokens,
		OutputTokens:     result.Stats.OutputTokens,
		CacheReadTokens:  result.Stats.CacheReadTokens,
		CacheWriteTokens: result.Stats.CacheWriteTokens,
		CostEstimateUSD:  result.Stats.CostUSD,
		DurationMs:       result.Stats.DurationMs,
	}
	pt := &store.ParsedTranscript{Messages: result.Messages, Blocks: result.Blocks}
	if err := o.store.ReplaceParsedTranscript(ctx, sessionID, pt, stats); err != nil {
		return o.failSession(ctx, sessionID, fmt.Errorf("persist parsed transcript: %w", err))
	}

	tr, err := o.store.TransitionSession(ctx, sessionID,
		[]models.Lifecycle{models.LifecycleEnded}, models.LifecycleParsed)
	if err != nil {
		return o.failSession(ctx, sessionID, err)
	}
	if !tr.Applied() {
		// Lost the race: another run already advanced the session. Its data
		// has been written; stop here and let the winner's summary stand.
		o.logger.Info("parse transition lost race",
			"session_id", sessionID, "actual", tr.ActualLifecycle)
		return nil
	}

	o.summarize(ctx, sessionID, promptFromResult(result))
	return nil
}

// parseBlob streams the transcript out of the blob store through the parser.
func (o *Orchestrator) parseBlob(ctx context.Context, key string) (*transcript.Result, error) {
	rc, err := o.blobs.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download transcript: %w", err)
	}
	defer func() { _ = rc.Close() }()

	result, err := transcript.Parse(ctx, rc, transcript.Options{})
	if err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	return result, nil
}

// failSession records the error and force-transitions to failed. This is the
// only code path besides explicit API action that reaches failed.
func (o *Orchestrator) failSession(ctx context.Context, sessionID string, cause error) error {
	if _, ferr := o.store.FailSession(ctx, sessionID, cause.Error()); ferr != nil {
		o.logger.Error("failed to mark session failed", "session_id", sessionID, "error", ferr)
	}
	return cause
}

// summarize is best-effort: on failure the session remains parsed and the
// reason is logged for the recovery sweep's parsed-without-summary retry.
func (o *Orchestrator) summarize(ctx context.Context, sessionID, prompt string) {
	if o.summarizer == nil || prompt == "" {
		return
	}

	summary, err := o.summarizer.Summarize(ctx, prompt)
	if err != nil {
		o.logger.Warn("summarization failed", "session_id", sessionID, "error", err)
		return
	}
	if err := o.store.SetSummary(ctx, sessionID, summary); err != nil {
		o.logger.Error("store summary", "session_id", sessionID, "error", err)
		return
	}
	if _, err := o.store.TransitionSession(ctx, sessionID,
		[]models.Lifecycle{models.LifecycleParsed}, models.LifecycleSummarized); err != nil {
		o.logger.Error("summarize transition", "session_id", sessionID, "error", err)
	}
}

// RetrySummary re-renders the prompt from persisted rows and retries the
// summarization step for a session stuck at parsed.
func (o *Orchestrator) RetrySummary(ctx context.Context, sessionID string) error {
	if o.summarizer == nil {
		return nil
	}
	msgs, err := o.store.ListTranscriptMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	var pm []PromptMessage
	for _, m := range msgs {
		blocks, err := o.store.ListContentBlocks(ctx, m.ID)
		if err != nil {
			return err
		}
		pm = append(pm, PromptMessage{Role: m.Role, Blocks: blocks})
	}
	o.summarize(ctx, sessionID, RenderPrompt(pm))
	return nil
}

// promptFromResult groups a parse result's flat block list back under its
// messages for rendering.
func promptFromResult(result *transcript.Result) string {
	blocksByMsg := map[string][]*models.ParsedContentBlock{}
	for _, b := range result.Blocks {
		blocksByMsg[b.MessageID] = append(blocksByMsg[b.MessageID], b)
	}
	var pm []PromptMessage
	for _, m := range result.Messages {
		pm = append(pm, PromptMessage{Role: m.Role, Blocks: blocksByMsg[m.ID]})
	}
	return RenderPrompt(pm)
}
