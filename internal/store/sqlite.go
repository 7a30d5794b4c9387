package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Jmemon/fuel/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NewULID generates a new ULID string (sortable, used for event and row ids).
func NewULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, workspace_id, device_id, lifecycle, parse_status, parse_error,
	started_at, ended_at, duration_ms, transcript_s3_key, git_branch, cwd,
	total_messages, user_messages, assistant_messages, tool_use_count, thinking_blocks, subagent_count,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_estimate_usd,
	summary, tags, created_at, updated_at`

// CreateSessionIfAbsent inserts the session keyed by its natural id, doing
// nothing if a row already exists. Redelivered session.start events are
// therefore harmless.
func (s *SQLiteStore) CreateSessionIfAbsent(ctx context.Context, sess *models.Session) (bool, error) {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Lifecycle == "" {
		sess.Lifecycle = models.LifecycleDetected
	}
	if sess.ParseStatus == "" {
		sess.ParseStatus = models.ParseStatusPending
	}
	tags := sess.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, device_id, lifecycle, parse_status, started_at, git_branch, cwd, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.WorkspaceID, sess.DeviceID, string(sess.Lifecycle), string(sess.ParseStatus),
		sess.StartedAt, sess.GitBranch, sess.Cwd, string(tagsJSON), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions"
	var conditions []string
	var args []any

	if filter.WorkspaceID != "" {
		conditions = append(conditions, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Lifecycle != "" {
		conditions = append(conditions, "lifecycle = ?")
		args = append(args, string(filter.Lifecycle))
	}
	if filter.Tag != "" {
		conditions = append(conditions, "tags LIKE ?")
		args = append(args, "%"+`"`+filter.Tag+`"`+"%")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*models.Session, error) {
	sess := &models.Session{}
	var lifecycle, parseStatus string
	var parseError, transcriptKey, gitBranch, cwd, summary sql.NullString
	var endedAt sql.NullTime
	var durationMs sql.NullInt64
	var tagsJSON string

	err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.DeviceID, &lifecycle, &parseStatus, &parseError,
		&sess.StartedAt, &endedAt, &durationMs, &transcriptKey, &gitBranch, &cwd,
		&sess.TotalMessages, &sess.UserMessages, &sess.AssistantMsgs, &sess.ToolUseCount, &sess.ThinkingBlocks, &sess.SubagentCount,
		&sess.InputTokens, &sess.OutputTokens, &sess.CacheReadTokens, &sess.CacheWriteTokens, &sess.CostEstimateUSD,
		&summary, &tagsJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sess.Lifecycle = models.Lifecycle(lifecycle)
	sess.ParseStatus = models.ParseStatus(parseStatus)
	sess.ParseError = parseError.String
	sess.TranscriptS3Key = transcriptKey.String
	sess.GitBranch = gitBranch.String
	sess.Cwd = cwd.String
	sess.Summary = summary.String
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if durationMs.Valid {
		sess.DurationMs = &durationMs.Int64
	}
	_ = json.Unmarshal([]byte(tagsJSON), &sess.Tags)
	return sess, nil
}

func (s *SQLiteStore) SetTranscriptKey(ctx context.Context, id, key string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET transcript_s3_key = ?, updated_at = ? WHERE id = ?",
		key, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set transcript key: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) SetSessionEnd(ctx context.Context, id string, endedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?,
			duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER),
			updated_at = ?
		WHERE id = ?`,
		endedAt, endedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set session end: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) SetParseStatus(ctx context.Context, id string, status models.ParseStatus, parseErr string) error {
	var errVal any
	if parseErr != "" {
		errVal = parseErr
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET parse_status = ?, parse_error = ?, updated_at = ? WHERE id = ?",
		string(status), errVal, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set parse status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) SetSummary(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?",
		summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) SetTags(ctx context.Context, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET tags = ?, updated_at = ? WHERE id = ?",
		string(tagsJSON), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set tags: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// --- Parsed transcript persistence ---

// ReplaceParsedTranscript deletes any previously parsed rows for the session
// and inserts the new messages and blocks, then updates the derived stat
// columns, all in one transaction. Child rows are replaced wholesale, never
// patched in place.
func (s *SQLiteStore) ReplaceParsedTranscript(ctx context.Context, sessionID string, pt *ParsedTranscript, stats SessionStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM content_blocks WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete content blocks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete transcript messages: %w", err)
	}

	msgStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transcript_messages (id, session_id, ordinal, line_number, role, model, timestamp,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd,
			has_text, has_thinking, has_tool_use, has_tool_result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer func() { _ = msgStmt.Close() }()

	for _, m := range pt.Messages {
		if m.ID == "" {
			m.ID = NewULID()
		}
		m.SessionID = sessionID
		var ts any
		if m.Timestamp != nil {
			ts = *m.Timestamp
		}
		if _, err := msgStmt.ExecContext(ctx,
			m.ID, sessionID, m.Ordinal, m.LineNumber, string(m.Role), m.Model, ts,
			m.InputTokens, m.OutputTokens, m.CacheReadTokens, m.CacheWriteTokens, m.CostUSD,
			boolToInt(m.HasText), boolToInt(m.HasThinking), boolToInt(m.HasToolUse), boolToInt(m.HasToolResult),
		); err != nil {
			return fmt.Errorf("insert transcript message: %w", err)
		}
	}

	blockStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO content_blocks (id, message_id, session_id, type, block_order,
			text, tool_name, tool_input, tool_use_id, is_error, truncated, original_byte_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare block insert: %w", err)
	}
	defer func() { _ = blockStmt.Close() }()

	for _, b := range pt.Blocks {
		if b.ID == "" {
			b.ID = NewULID()
		}
		b.SessionID = sessionID
		if _, err := blockStmt.ExecContext(ctx,
			b.ID, b.MessageID, sessionID, string(b.Type), b.Order,
			b.Text, b.ToolName, b.ToolInput, b.ToolUseID,
			boolToInt(b.IsError), boolToInt(b.Truncated), b.OriginalByteLength,
		); err != nil {
			return fmt.Errorf("insert content block: %w", err)
		}
	}

	var durationMs any
	if stats.DurationMs != nil {
		durationMs = *stats.DurationMs
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET total_messages=?, user_messages=?, assistant_messages=?,
			tool_use_count=?, thinking_blocks=?, subagent_count=?,
			input_tokens=?, output_tokens=?, cache_read_tokens=?, cache_write_tokens=?,
			cost_estimate_usd=?, duration_ms=COALESCE(duration_ms, ?),
			parse_status=?, parse_error=NULL, updated_at=?
		WHERE id=?`,
		stats.TotalMessages, stats.UserMessages, stats.AssistantMsgs,
		stats.ToolUseCount, stats.ThinkingBlocks, stats.SubagentCount,
		stats.InputTokens, stats.OutputTokens, stats.CacheReadTokens, stats.CacheWriteTokens,
		stats.CostEstimateUSD, durationMs,
		string(models.ParseStatusCompleted), time.Now().UTC(), sessionID,
	); err != nil {
		return fmt.Errorf("update session stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTranscriptMessages(ctx context.Context, sessionID string) ([]*models.TranscriptMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, ordinal, line_number, role, model, timestamp,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd,
			has_text, has_thinking, has_tool_use, has_tool_result
		FROM transcript_messages WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transcript messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*models.TranscriptMessage
	for rows.Next() {
		m := &models.TranscriptMessage{}
		var role string
		var model sql.NullString
		var ts sql.NullTime
		var hasText, hasThinking, hasToolUse, hasToolResult int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Ordinal, &m.LineNumber, &role, &model, &ts,
			&m.InputTokens, &m.OutputTokens, &m.CacheReadTokens, &m.CacheWriteTokens, &m.CostUSD,
			&hasText, &hasThinking, &hasToolUse, &hasToolResult); err != nil {
			return nil, fmt.Errorf("scan transcript message: %w", err)
		}
		m.Role = models.MessageRole(role)
		m.Model = model.String
		if ts.Valid {
			m.Timestamp = &ts.Time
		}
		m.HasText = hasText == 1
		m.HasThinking = hasThinking == 1
		m.HasToolUse = hasToolUse == 1
		m.HasToolResult = hasToolResult == 1
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ListContentBlocks(ctx context.Context, messageID string) ([]*models.ParsedContentBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, session_id, type, block_order, text, tool_name, tool_input, tool_use_id,
			is_error, truncated, original_byte_length
		FROM content_blocks WHERE message_id = ? ORDER BY block_order`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list content blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*models.ParsedContentBlock
	for rows.Next() {
		b := &models.ParsedContentBlock{}
		var blockType string
		var text, toolName, toolInput, toolUseID sql.NullString
		var isError, truncated int
		if err := rows.Scan(&b.ID, &b.MessageID, &b.SessionID, &blockType, &b.Order,
			&text, &toolName, &toolInput, &toolUseID,
			&isError, &truncated, &b.OriginalByteLength); err != nil {
			return nil, fmt.Errorf("scan content block: %w", err)
		}
		b.Type = models.BlockType(blockType)
		b.Text = text.String
		b.ToolName = toolName.String
		b.ToolInput = toolInput.String
		b.ToolUseID = toolUseID.String
		b.IsError = isError == 1
		b.Truncated = truncated == 1
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *SQLiteStore) CountChildRows(ctx context.Context, sessionID string) (int, int, error) {
	var messages, blocks int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transcript_messages WHERE session_id = ?", sessionID).Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM content_blocks WHERE session_id = ?", sessionID).Scan(&blocks); err != nil {
		return 0, 0, fmt.Errorf("count blocks: %w", err)
	}
	return messages, blocks, nil
}

// --- Workspaces and devices ---

// UpsertWorkspace creates the workspace on first reference. DefaultBranch and
// Metadata fill in only when previously null and are preserved on conflict;
// CanonicalID never changes.
func (s *SQLiteStore) UpsertWorkspace(ctx context.Context, w *models.Workspace) error {
	now := time.Now().UTC()
	var defaultBranch, metadata any
	if w.DefaultBranch != "" {
		defaultBranch = w.DefaultBranch
	}
	if w.Metadata != "" {
		metadata = w.Metadata
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (canonical_id, name, default_branch, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_id) DO UPDATE SET
			default_branch = COALESCE(workspaces.default_branch, excluded.default_branch),
			metadata = COALESCE(workspaces.metadata, excluded.metadata),
			updated_at = excluded.updated_at`,
		w.CanonicalID, w.Name, defaultBranch, metadata, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, canonicalID string) (*models.Workspace, error) {
	w := &models.Workspace{}
	var defaultBranch, metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT canonical_id, name, default_branch, metadata, created_at, updated_at
		FROM workspaces WHERE canonical_id = ?`, canonicalID,
	).Scan(&w.CanonicalID, &w.Name, &defaultBranch, &metadata, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace not found: %s", canonicalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	w.DefaultBranch = defaultBranch.String
	w.Metadata = metadata.String
	return w, nil
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canonical_id, name, default_branch, metadata, created_at, updated_at
		FROM workspaces ORDER BY canonical_id`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workspaces []*models.Workspace
	for rows.Next() {
		w := &models.Workspace{}
		var defaultBranch, metadata sql.NullString
		if err := rows.Scan(&w.CanonicalID, &w.Name, &defaultBranch, &metadata, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		w.DefaultBranch = defaultBranch.String
		w.Metadata = metadata.String
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// UpsertDevice creates the device on first reference. Hostname, OS, and arch
// fill in only when previously null, never overwritten; last_seen_at is
// always bumped.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *models.Device) error {
	now := time.Now().UTC()
	var hostname, osName, arch any
	if d.Hostname != "" {
		hostname = d.Hostname
	}
	if d.OS != "" {
		osName = d.OS
	}
	if d.Arch != "" {
		arch = d.Arch
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, hostname, os, arch, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = COALESCE(devices.hostname, excluded.hostname),
			os = COALESCE(devices.os, excluded.os),
			arch = COALESCE(devices.arch, excluded.arch),
			last_seen_at = excluded.last_seen_at`,
		d.ID, hostname, osName, arch, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	d := &models.Device{}
	var hostname, osName, arch sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, hostname, os, arch, first_seen_at, last_seen_at FROM devices WHERE id = ?", id,
	).Scan(&d.ID, &hostname, &osName, &arch, &d.FirstSeen, &d.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	d.Hostname = hostname.String
	d.OS = osName.String
	d.Arch = arch.String
	return d, nil
}

// MarkHooksSuggested links the workspace/device pair and records the hook
// suggestion exactly once. Returns true only for the first call for the pair.
func (s *SQLiteStore) MarkHooksSuggested(ctx context.Context, workspaceID, deviceID string) (bool, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_devices (workspace_id, device_id, created_at)
		VALUES (?, ?, ?) ON CONFLICT(workspace_id, device_id) DO NOTHING`,
		workspaceID, deviceID, now,
	); err != nil {
		return false, fmt.Errorf("link workspace device: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workspace_devices SET hooks_suggested_at = ?
		WHERE workspace_id = ? AND device_id = ? AND hooks_suggested_at IS NULL`,
		now, workspaceID, deviceID,
	)
	if err != nil {
		return false, fmt.Errorf("mark hooks suggested: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// --- Events and git activity ---

// RecordEvent persists the event for audit and replay. Keyed by the event's
// own id, so redelivery inserts nothing the second time.
func (s *SQLiteStore) RecordEvent(ctx context.Context, e *models.Event) (bool, error) {
	var sessionID any
	if e.SessionID != "" {
		sessionID = e.SessionID
	}
	blobRefs := e.BlobRefs
	if blobRefs == nil {
		blobRefs = []string{}
	}
	refsJSON, err := json.Marshal(blobRefs)
	if err != nil {
		return false, fmt.Errorf("marshal blob refs: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, timestamp, device_id, workspace_id, session_id, data, blob_refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Type), e.Timestamp, e.DeviceID, e.WorkspaceID, sessionID,
		string(e.Data), string(refsJSON), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// BackfillEventSession fills session_id on an event row after correlation.
func (s *SQLiteStore) BackfillEventSession(ctx context.Context, eventID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET session_id = ? WHERE id = ? AND session_id IS NULL",
		sessionID, eventID)
	if err != nil {
		return fmt.Errorf("backfill event session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordGitActivity(ctx context.Context, ga *models.GitActivity) (bool, error) {
	var sessionID any
	if ga.SessionID != "" {
		sessionID = ga.SessionID
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO git_activity (event_id, workspace_id, device_id, session_id, action, branch, commit_hash, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ga.EventID, ga.WorkspaceID, ga.DeviceID, sessionID, string(ga.Action),
		ga.Branch, ga.CommitHash, ga.OccurredAt, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record git activity: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// FindActiveSession returns the session that was active on the given
// workspace/device at the given instant, preferring the most recently started.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, workspaceID, deviceID string, at time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+` FROM sessions
		WHERE workspace_id = ? AND device_id = ?
		AND started_at <= ?
		AND (ended_at IS NULL OR ended_at >= ?)
		ORDER BY started_at DESC LIMIT 1`,
		workspaceID, deviceID, at, at)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return sess, nil
}
