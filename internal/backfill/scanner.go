// Package backfill discovers historical session transcripts on disk and
// replays them through the same HTTP ingestion surface live traffic uses.
package backfill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Jmemon/fuel/internal/workspace"
)

// activeWindow is how recently a transcript must have been written to be
// considered possibly still open. Files modified inside the window without a
// closing summary line are skipped so a running session is never ingested
// half-written.
const activeWindow = 5 * time.Minute

// headLineLimit bounds how many leading lines are inspected for metadata.
const headLineLimit = 10

// tailReadBytes is how much of the file's tail is read when looking for the
// last timestamp and the closing marker.
const tailReadBytes = 64 * 1024

// DiscoveredSession is one transcript file the scanner judged ingestible.
type DiscoveredSession struct {
	SessionID      string
	Path           string
	ProjectDir     string
	WorkspaceID    string
	Cwd            string
	GitBranch      string
	FirstTimestamp *time.Time
	LastTimestamp  *time.Time
	SizeBytes      int64
}

// ScanResult is the outcome of one scan. Skips are counted, never errors.
type ScanResult struct {
	Sessions    []DiscoveredSession
	SkippedDirs int
	SkippedName int
	SkippedID   int
	Active      int
}

// indexEntry is one record in a project's sessions-index.json.
type indexEntry struct {
	SessionID      string     `json:"sessionId"`
	Cwd            string     `json:"cwd,omitempty"`
	GitBranch      string     `json:"gitBranch,omitempty"`
	FirstTimestamp *time.Time `json:"firstTimestamp,omitempty"`
	LastTimestamp  *time.Time `json:"lastTimestamp,omitempty"`
}

// indexEnvelope is the versioned form of the index file.
type indexEnvelope struct {
	Version int          `json:"version"`
	Entries []indexEntry `json:"entries"`
}

// scanLine is the subset of a transcript line the scanner reads for metadata.
type scanLine struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	Cwd       string     `json:"cwd"`
	GitBranch string     `json:"gitBranch"`
	Timestamp *time.Time `json:"timestamp"`
}

// Scanner walks a root directory of per-project transcript folders.
type Scanner struct {
	resolver *workspace.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewScanner creates a scanner rooted at the caller's transcript directory.
func NewScanner(logger *slog.Logger) *Scanner {
	return &Scanner{
		resolver: workspace.NewResolver(),
		logger:   logger,
		now:      time.Now,
	}
}

// Scan discovers ingestible sessions under root. Metadata comes from the
// project's index file when present, else from a cheap head/tail read of the
// transcript, else from the hyphen-encoded directory name. Results are sorted
// by earliest known timestamp so replay preserves chronological order.
func (s *Scanner) Scan(ctx context.Context, root string) (*ScanResult, error) {
	projects, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{}
	for _, p := range projects {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !p.IsDir() {
			result.SkippedName++
			continue
		}
		s.scanProject(filepath.Join(root, p.Name()), result)
	}

	sort.Slice(result.Sessions, func(i, j int) bool {
		ti, tj := result.Sessions[i].FirstTimestamp, result.Sessions[j].FirstTimestamp
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.Before(*tj)
		}
	})
	return result, nil
}

func (s *Scanner) scanProject(dir string, result *ScanResult) {
	index := loadIndex(filepath.Join(dir, "sessions-index.json"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("unreadable project directory", "dir", dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			// Subagent transcript folders live alongside session files.
			result.SkippedDirs++
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			result.SkippedName++
			continue
		}
		sessionID := strings.TrimSuffix(name, ".jsonl")
		if _, err := uuid.Parse(sessionID); err != nil {
			result.SkippedID++
			continue
		}

		ds := DiscoveredSession{
			SessionID:  sessionID,
			Path:       filepath.Join(dir, name),
			ProjectDir: dir,
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat transcript", "path", ds.Path, "error", err)
			continue
		}
		ds.SizeBytes = info.Size()

		if idx, ok := index[sessionID]; ok {
			ds.Cwd = idx.Cwd
			ds.GitBranch = idx.GitBranch
			ds.FirstTimestamp = idx.FirstTimestamp
			ds.LastTimestamp = idx.LastTimestamp
		}
		closed := s.fillFromFile(&ds)

		if s.now().Sub(info.ModTime()) < activeWindow && !closed {
			result.Active++
			continue
		}

		if ds.Cwd == "" {
			ds.Cwd = decodeDirName(filepath.Base(dir))
		}
		ds.WorkspaceID = s.resolver.Resolve(ds.Cwd)

		result.Sessions = append(result.Sessions, ds)
	}
}

// fillFromFile reads the head and tail of the transcript for any metadata the
// index did not supply, and reports whether a closing summary line was seen.
func (s *Scanner) fillFromFile(ds *DiscoveredSession) bool {
	f, err := os.Open(ds.Path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for i := 0; i < headLineLimit && scanner.Scan(); i++ {
		var line scanLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if ds.Cwd == "" && line.Cwd != "" {
			ds.Cwd = line.Cwd
		}
		if ds.GitBranch == "" && line.GitBranch != "" {
			ds.GitBranch = line.GitBranch
		}
		if ds.FirstTimestamp == nil && line.Timestamp != nil {
			ds.FirstTimestamp = line.Timestamp
		}
		if ds.Cwd != "" && ds.GitBranch != "" && ds.FirstTimestamp != nil {
			break
		}
	}

	return s.fillFromTail(f, ds)
}

func (s *Scanner) fillFromTail(f *os.File, ds *DiscoveredSession) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	offset := info.Size() - tailReadBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return false
	}

	closed := false
	lines := bytes.Split(buf, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if len(bytes.TrimSpace(lines[i])) == 0 {
			continue
		}
		var line scanLine
		if err := json.Unmarshal(lines[i], &line); err != nil {
			// The first chunk may start mid-line when the file is larger than
			// the tail window.
			continue
		}
		if line.Type == "summary" {
			closed = true
		}
		if ds.LastTimestamp == nil && line.Timestamp != nil {
			ds.LastTimestamp = line.Timestamp
		}
		if ds.LastTimestamp != nil && closed {
			break
		}
	}
	return closed
}

// loadIndex reads a project's sessions-index.json, accepting both the flat
// array and the versioned envelope form. A missing or corrupt index returns
// an empty map; the per-file fallbacks take over.
func loadIndex(path string) map[string]indexEntry {
	index := map[string]indexEntry{}
	data, err := os.ReadFile(path)
	if err != nil {
		return index
	}

	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		var env indexEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return index
		}
		entries = env.Entries
	}
	for _, e := range entries {
		if e.SessionID != "" {
			index[e.SessionID] = e
		}
	}
	return index
}

// decodeDirName reverses the hyphen encoding of a working directory path
// ("-Users-jdoe-src-proj" becomes "/Users/jdoe/src/proj"). Lossy when the
// original path contained hyphens; used only as a last resort.
func decodeDirName(name string) string {
	if !strings.HasPrefix(name, "-") {
		return ""
	}
	return strings.ReplaceAll(name, "-", "/")
}
