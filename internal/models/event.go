package models

import (
	"encoding/json"
	"time"
)

// EventType classifies an activity event. The set is open: new producers may
// introduce types without changes to the dispatcher, which looks handlers up
// in a registry keyed by this string.
type EventType string

const (
	EventSessionStart EventType = "session.start"
	EventSessionEnd   EventType = "session.end"
	EventGitCommit    EventType = "git.commit"
	EventGitPush      EventType = "git.push"
	EventGitCheckout  EventType = "git.checkout"
	EventGitMerge     EventType = "git.merge"
)

// Event is an immutable activity fact produced by hooks and the CLI.
// WorkspaceID holds the canonical workspace string supplied at ingestion;
// the resolver maps it to a workspace row before persistence.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	DeviceID    string          `json:"device_id"`
	WorkspaceID string          `json:"workspace_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	BlobRefs    []string        `json:"blob_refs,omitempty"`
}

// SessionStartData is the payload for session.start events.
type SessionStartData struct {
	Cwd       string `json:"cwd,omitempty"`
	GitBranch string `json:"git_branch,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	OS        string `json:"os,omitempty"`
	Arch      string `json:"arch,omitempty"`
	Source    string `json:"source,omitempty"` // "hook" or "backfill"
}

// SessionEndData is the payload for session.end events.
type SessionEndData struct {
	EndedAt         time.Time `json:"ended_at,omitempty"`
	TranscriptS3Key string    `json:"transcript_s3_key,omitempty"`
	ExitReason      string    `json:"exit_reason,omitempty"`
}

// GitEventData is the payload shared by git.* events.
type GitEventData struct {
	Branch        string `json:"branch,omitempty"`
	CommitHash    string `json:"commit_hash,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	Remote        string `json:"remote,omitempty"`
	FilesChanged  int    `json:"files_changed,omitempty"`
}

// GitActivity is a git event correlated (when possible) to the session that
// was active at its timestamp. Keyed by the originating event id so replays
// are idempotent.
type GitActivity struct {
	EventID     string    `json:"event_id"`
	WorkspaceID string    `json:"workspace_id"`
	DeviceID    string    `json:"device_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Action      EventType `json:"action"`
	Branch      string    `json:"branch,omitempty"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}
