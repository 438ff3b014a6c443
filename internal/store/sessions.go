package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sessionCols = `id, project_path, goal, expected_scope, constraints, keywords,
	kind, COALESCE(parent_id,''), status, mode, escalation, waiting_recovery,
	COALESCE(last_checked,''), token_count, pending_correction, pending_forced,
	clear_summary, COALESCE(cleared_at,''), created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var scope, constraints, keywords, lastChecked, clearedAt, createdAt, updatedAt string
	var waiting int
	err := row.Scan(&s.ID, &s.ProjectPath, &s.Goal, &scope, &constraints, &keywords,
		&s.Kind, &s.ParentID, &s.Status, &s.Mode, &s.Escalation, &waiting,
		&lastChecked, &s.TokenCount, &s.PendingCorrection, &s.PendingForced,
		&s.ClearSummary, &clearedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.ExpectedScope = unmarshalList(scope)
	s.Constraints = unmarshalList(constraints)
	s.Keywords = unmarshalList(keywords)
	s.WaitingRecovery = waiting != 0
	s.LastChecked = parseTime(lastChecked)
	s.ClearedAt = parseTime(clearedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

// timeLayout is fixed-width so lexicographic comparison in SQL matches
// chronological order (RFC3339Nano drops trailing zeros).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// ActiveSessionForProject returns the active session for a project, or nil.
func (s *Store) ActiveSessionForProject(ctx context.Context, project string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE project_path = ? AND status = 'active'`, project)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	return sess, nil
}

// CompletedSessionForProject returns the most recently completed session for
// a project inside the retention window, or nil.
func (s *Store) CompletedSessionForProject(ctx context.Context, project string, maxAge time.Duration) (*Session, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(timeLayout)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE project_path = ? AND status = 'completed' AND updated_at >= ?
		 ORDER BY updated_at DESC LIMIT 1`, project, cutoff)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("completed session: %w", err)
	}
	return sess, nil
}

// SessionByID returns a session by id, or nil.
func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session by id: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions for a project, newest first. Empty project
// lists all. Read-only surface for the dashboard.
func (s *Store) ListSessions(ctx context.Context, project string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + sessionCols + ` FROM sessions`
	args := []any{}
	if project != "" {
		q += ` WHERE project_path = ?`
		args = append(args, project)
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CreateSession inserts a new session. A subtask or parallel session must
// reference an existing parent; creating a second active session for the same
// project fails on the partial unique index.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if sess.Kind != KindMain && sess.ParentID == "" {
		return fmt.Errorf("create session: kind %q requires a parent", sess.Kind)
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	if sess.Mode == "" {
		sess.Mode = ModeNormal
	}
	if sess.Kind == "" {
		sess.Kind = KindMain
	}

	var parent any
	if sess.ParentID != "" {
		parent = sess.ParentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_path, goal, expected_scope, constraints, keywords,
			kind, parent_id, status, mode, escalation, waiting_recovery, last_checked,
			token_count, pending_correction, pending_forced, clear_summary, cleared_at,
			created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.ProjectPath, sess.Goal, marshalList(sess.ExpectedScope),
		marshalList(sess.Constraints), marshalList(sess.Keywords), sess.Kind, parent,
		sess.Status, sess.Mode, sess.Escalation, boolInt(sess.WaitingRecovery),
		formatTime(sess.LastChecked), sess.TokenCount, sess.PendingCorrection,
		sess.PendingForced, sess.ClearSummary, formatTime(sess.ClearedAt),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSession applies a patch to a session. Only non-nil fields change.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Goal != nil {
		set("goal", *patch.Goal)
	}
	if patch.ExpectedScope != nil {
		set("expected_scope", marshalList(*patch.ExpectedScope))
	}
	if patch.Constraints != nil {
		set("constraints", marshalList(*patch.Constraints))
	}
	if patch.Keywords != nil {
		set("keywords", marshalList(*patch.Keywords))
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.Mode != nil {
		set("mode", *patch.Mode)
	}
	if patch.Escalation != nil {
		set("escalation", *patch.Escalation)
	}
	if patch.WaitingRecovery != nil {
		set("waiting_recovery", boolInt(*patch.WaitingRecovery))
	}
	if patch.LastChecked != nil {
		set("last_checked", formatTime(*patch.LastChecked))
	}
	if patch.TokenCount != nil {
		set("token_count", *patch.TokenCount)
	}
	if patch.PendingCorrection != nil {
		set("pending_correction", *patch.PendingCorrection)
	}
	if patch.PendingForced != nil {
		set("pending_forced", *patch.PendingForced)
	}
	if patch.ClearSummary != nil {
		set("clear_summary", *patch.ClearSummary)
	}
	if patch.ClearedAt != nil {
		set("cleared_at", formatTime(*patch.ClearedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	set("updated_at", formatTime(time.Now().UTC()))

	args = append(args, id)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// MarkCompleted transitions a session to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	status := StatusCompleted
	return s.UpdateSession(ctx, id, SessionPatch{Status: &status})
}

// DeleteSessionCascade removes a session and its steps and drift events.
func (s *Store) DeleteSessionCascade(ctx context.Context, id string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupOldCompleted deletes completed sessions older than maxAge and
// returns how many were removed. Team-memory entries survive.
func (s *Store) CleanupOldCompleted(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	cutoff := time.Now().Add(-maxAge).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = 'completed' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
