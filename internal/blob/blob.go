// Package blob abstracts the transcript blob store. Keys follow the
// convention transcripts/<workspace>/<session>/raw.jsonl; downloads are
// streamed because transcripts can exceed 100 MB.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when no object exists at the given key.
var ErrNotFound = errors.New("blob not found")

// Store reads and writes transcript blobs.
type Store interface {
	// Download returns a streaming reader for the object at key. The caller
	// must close it.
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	// Upload streams the reader's contents to key. size may be -1 when
	// unknown.
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// TranscriptKey builds the canonical blob key for a session's raw transcript.
func TranscriptKey(workspaceID, sessionID string) string {
	return fmt.Sprintf("transcripts/%s/%s/raw.jsonl", workspaceID, sessionID)
}
