package store

import (
	"context"
	"fmt"
	"time"
)

const stepCols = `id, session_id, kind, files, folders, command, reasoning,
	drift_score, validated, key_decision, COALESCE(raw, X''), created_at`

func scanStep(row interface{ Scan(...any) error }) (*Step, error) {
	var st Step
	var files, folders, createdAt string
	var validated, keyDecision int
	err := row.Scan(&st.ID, &st.SessionID, &st.Kind, &files, &folders, &st.Command,
		&st.Reasoning, &st.DriftScore, &validated, &keyDecision, &st.Raw, &createdAt)
	if err != nil {
		return nil, err
	}
	st.Files = unmarshalList(files)
	st.Folders = unmarshalList(folders)
	st.Validated = validated != 0
	st.KeyDecision = keyDecision != 0
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

// AppendStep records one modifying action for a session.
func (s *Store) AppendStep(ctx context.Context, st *Step) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	st.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (session_id, kind, files, folders, command, reasoning,
			drift_score, validated, key_decision, raw, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		st.SessionID, st.Kind, marshalList(st.Files), marshalList(st.Folders),
		st.Command, st.Reasoning, st.DriftScore, boolInt(st.Validated),
		boolInt(st.KeyDecision), st.Raw, formatTime(st.CreatedAt))
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	st.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) querySteps(ctx context.Context, q string, args ...any) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecentSteps returns the last n steps of a session, oldest first.
func (s *Store) RecentSteps(ctx context.Context, sessionID string, n int) ([]*Step, error) {
	if n <= 0 {
		n = 10
	}
	steps, err := s.querySteps(ctx,
		`SELECT `+stepCols+` FROM steps WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, nil
}

// ValidatedSteps returns every step of a session recorded under acceptable
// drift, oldest first.
func (s *Store) ValidatedSteps(ctx context.Context, sessionID string) ([]*Step, error) {
	return s.querySteps(ctx,
		`SELECT `+stepCols+` FROM steps WHERE session_id = ? AND validated = 1 ORDER BY id`,
		sessionID)
}

// KeyDecisions returns the last n key-decision steps, newest first.
func (s *Store) KeyDecisions(ctx context.Context, sessionID string, n int) ([]*Step, error) {
	if n <= 0 {
		n = 3
	}
	return s.querySteps(ctx,
		`SELECT `+stepCols+` FROM steps
		 WHERE session_id = ? AND key_decision = 1 ORDER BY id DESC LIMIT ?`,
		sessionID, n)
}

// EditedFiles returns the distinct files touched by edit/write steps of a
// session, in first-touched order.
func (s *Store) EditedFiles(ctx context.Context, sessionID string) ([]string, error) {
	steps, err := s.querySteps(ctx,
		`SELECT `+stepCols+` FROM steps
		 WHERE session_id = ? AND kind IN ('edit','write') ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, st := range steps {
		for _, f := range st.Files {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// BackfillStepReasoning attaches reasoning text to the last turn's steps that
// have none yet. The assistant's prose arrives after the tool calls it
// explains, so reasoning is written one turn behind. keyDecision marks the
// same rows as key decisions when the reasoning states an explicit choice.
func (s *Store) BackfillStepReasoning(ctx context.Context, sessionID, reasoning string, lastN int, keyDecision bool) error {
	if reasoning == "" {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if lastN <= 0 {
		lastN = 5
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET reasoning = ?, key_decision = ? WHERE id IN (
			SELECT id FROM steps
			WHERE session_id = ? AND reasoning = ''
			ORDER BY id DESC LIMIT ?)`,
		reasoning, boolInt(keyDecision), sessionID, lastN)
	if err != nil {
		return fmt.Errorf("backfill reasoning: %w", err)
	}
	return nil
}

// LogDriftEvent appends an audit record for an action recorded under drift.
func (s *Store) LogDriftEvent(ctx context.Context, ev *DriftEvent) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ev.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO drift_events (session_id, action_shape, score, diagnostic, recovery, created_at)
		 VALUES (?,?,?,?,?,?)`,
		ev.SessionID, ev.ActionShape, ev.Score, ev.Diagnostic,
		marshalList(ev.Recovery), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("log drift event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// DriftEvents returns a session's drift audit log, oldest first.
func (s *Store) DriftEvents(ctx context.Context, sessionID string) ([]*DriftEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, action_shape, score, diagnostic, recovery, created_at
		 FROM drift_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("drift events: %w", err)
	}
	defer rows.Close()
	var out []*DriftEvent
	for rows.Next() {
		var ev DriftEvent
		var recovery, createdAt string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ActionShape, &ev.Score,
			&ev.Diagnostic, &recovery, &createdAt); err != nil {
			return nil, err
		}
		ev.Recovery = unmarshalList(recovery)
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
