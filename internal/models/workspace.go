package models

import "time"

// NoWorkspaceID is the sentinel canonical id for sessions with no git context.
const NoWorkspaceID = "no-workspace"

// Workspace is a canonical project identity derived from a normalized git
// remote URL, or a content hash of the first commit for remote-less repos.
// CanonicalID never changes once created.
type Workspace struct {
	CanonicalID   string    `json:"canonical_id"`
	Name          string    `json:"name,omitempty"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	Metadata      string    `json:"metadata,omitempty"` // JSON blob, filled once
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Device is a caller-supplied machine identity. Mutable fields fill in only
// when previously empty; LastSeenAt is bumped on every reference.
type Device struct {
	ID         string    `json:"id"`
	Hostname   string    `json:"hostname,omitempty"`
	OS         string    `json:"os,omitempty"`
	Arch       string    `json:"arch,omitempty"`
	FirstSeen  time.Time `json:"first_seen_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
