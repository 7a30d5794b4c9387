package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Jmemon/fuel/internal/models"
)

// TransitionSession applies "set lifecycle=to where id=? and lifecycle in
// (from...)" as a single conditional update. The affected-row count is the
// only correctness mechanism: one row means we won, zero rows means either a
// lost race or a missing session, distinguished by a follow-up read. There is
// no application-level lock; the store serializes conflicting writers.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from []models.Lifecycle, to models.Lifecycle) (TransitionResult, error) {
	// Only from-states with a legal edge to the target participate in the
	// conditional update, so an illegal pair can never mutate the row.
	var sources []models.Lifecycle
	for _, f := range from {
		if models.CanTransition(f, to) {
			sources = append(sources, f)
		}
	}
	if len(sources) == 0 {
		return s.conflictResult(ctx, id)
	}

	placeholders := make([]string, len(sources))
	args := make([]any, 0, len(sources)+3)
	args = append(args, string(to), time.Now().UTC(), id)
	for i, f := range sources {
		placeholders[i] = "?"
		args = append(args, string(f))
	}

	query := fmt.Sprintf(
		"UPDATE sessions SET lifecycle = ?, updated_at = ? WHERE id = ? AND lifecycle IN (%s)",
		strings.Join(placeholders, ","),
	)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("transition session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return TransitionResult{Outcome: TransitionApplied, ActualLifecycle: to}, nil
	}
	return s.conflictResult(ctx, id)
}

// conflictResult reads the session's actual state to distinguish a lost race
// from a missing row.
func (s *SQLiteStore) conflictResult(ctx context.Context, id string) (TransitionResult, error) {
	var actual string
	err := s.db.QueryRowContext(ctx, "SELECT lifecycle FROM sessions WHERE id = ?", id).Scan(&actual)
	if err == sql.ErrNoRows {
		return TransitionResult{Outcome: TransitionNotFound}, nil
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("read session lifecycle: %w", err)
	}
	return TransitionResult{Outcome: TransitionConflict, ActualLifecycle: models.Lifecycle(actual)}, nil
}

// FailSession force-transitions any non-terminal session to failed, recording
// the error string. Terminal states (archived, failed) are left untouched.
func (s *SQLiteStore) FailSession(ctx context.Context, id, reason string) (TransitionResult, error) {
	placeholders := make([]string, len(models.NonTerminal))
	args := make([]any, 0, len(models.NonTerminal)+4)
	args = append(args, string(models.LifecycleFailed), reason, time.Now().UTC(), id)
	for i, f := range models.NonTerminal {
		placeholders[i] = "?"
		args = append(args, string(f))
	}

	query := fmt.Sprintf(
		`UPDATE sessions SET lifecycle = ?, parse_status = 'failed', parse_error = ?, updated_at = ?
		WHERE id = ? AND lifecycle IN (%s)`,
		strings.Join(placeholders, ","),
	)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("fail session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return TransitionResult{Outcome: TransitionApplied, ActualLifecycle: models.LifecycleFailed}, nil
	}
	return s.conflictResult(ctx, id)
}

// ResetSessionForReparse atomically deletes all owned transcript rows and
// resets the session to ended with derived fields nulled. Allowed only from
// ended, parsed, summarized, or failed; a session still in detected or
// capturing has not produced a transcript and is rejected.
func (s *SQLiteStore) ResetSessionForReparse(ctx context.Context, id string) (TransitionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(models.Resettable))
	args := make([]any, 0, len(models.Resettable)+2)
	args = append(args, time.Now().UTC(), id)
	for i, f := range models.Resettable {
		placeholders[i] = "?"
		args = append(args, string(f))
	}

	query := fmt.Sprintf(
		`UPDATE sessions SET lifecycle = 'ended', parse_status = 'pending', parse_error = NULL,
			total_messages = 0, user_messages = 0, assistant_messages = 0,
			tool_use_count = 0, thinking_blocks = 0, subagent_count = 0,
			input_tokens = 0, output_tokens = 0, cache_read_tokens = 0, cache_write_tokens = 0,
			cost_estimate_usd = 0, summary = NULL, updated_at = ?
		WHERE id = ? AND lifecycle IN (%s)`,
		strings.Join(placeholders, ","),
	)
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("reset session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Reject without touching child rows.
		if err := tx.Commit(); err != nil {
			return TransitionResult{}, fmt.Errorf("commit tx: %w", err)
		}
		return s.conflictResult(ctx, id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM content_blocks WHERE session_id = ?", id); err != nil {
		return TransitionResult{}, fmt.Errorf("delete content blocks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM transcript_messages WHERE session_id = ?", id); err != nil {
		return TransitionResult{}, fmt.Errorf("delete transcript messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TransitionResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return TransitionResult{Outcome: TransitionApplied, ActualLifecycle: models.LifecycleEnded}, nil
}

// FindStuckSessions returns pipeline-crash victims: sessions whose lifecycle
// is ended or parsed, whose parse_status is still pending or parsing, and
// whose updated_at is older than the threshold.
func (s *SQLiteStore) FindStuckSessions(ctx context.Context, olderThan time.Duration) ([]*models.Session, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM sessions
		WHERE lifecycle IN ('ended', 'parsed')
		AND parse_status IN ('pending', 'parsing')
		AND updated_at < ?
		ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stuck sessions: %w", err)
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

// FindParsedWithoutSummary returns sessions whose parse completed but whose
// summarization step stalled, for the recovery sweep to retry.
func (s *SQLiteStore) FindParsedWithoutSummary(ctx context.Context, limit int) ([]*models.Session, error) {
	query := "SELECT " + sessionColumns + ` FROM sessions
		WHERE lifecycle = 'parsed' AND (summary IS NULL OR summary = '')
		ORDER BY updated_at`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find parsed without summary: %w", err)
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
