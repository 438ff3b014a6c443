package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// PromoteToTeamMemory atomically writes the team-memory entry for a session
// and marks it completed. File-level reasoning is folded into file_reasoning
// for any CONCLUSION entry naming a touched file.
func (s *Store) PromoteToTeamMemory(ctx context.Context, sess *Session, originalQuery string, files []string, ex *Extraction) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("promote: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	tags := ex.Tags
	if len(tags) == 0 {
		tags = sess.Keywords
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO team_memory (session_id, project_path, original_query, goal,
			reasoning_trace, decisions, files, tags, status, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(session_id) DO UPDATE SET
			reasoning_trace = excluded.reasoning_trace,
			decisions = excluded.decisions,
			files = excluded.files,
			tags = excluded.tags`,
		sess.ID, sess.ProjectPath, originalQuery, sess.Goal,
		marshalList(ex.ReasoningTrace), marshalDecisions(ex.Decisions),
		marshalList(files), marshalList(tags), StatusCompleted, now)
	if err != nil {
		return fmt.Errorf("promote: insert memory: %w", err)
	}

	for _, f := range files {
		entries := conclusionsForFile(ex.ReasoningTrace, f)
		if len(entries) == 0 {
			continue
		}
		var existing string
		merged := entries
		if err := tx.QueryRowContext(ctx,
			`SELECT entries FROM file_reasoning WHERE project_path = ? AND file_path = ?`,
			sess.ProjectPath, f).Scan(&existing); err == nil {
			merged = mergeEntries(unmarshalList(existing), entries)
		}
		b, _ := json.Marshal(merged)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_reasoning (project_path, file_path, entries, updated_at)
			 VALUES (?,?,?,?)
			 ON CONFLICT(project_path, file_path) DO UPDATE SET
				entries = excluded.entries, updated_at = excluded.updated_at`,
			sess.ProjectPath, f, string(b), now); err != nil {
			return fmt.Errorf("promote: file reasoning: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'completed', updated_at = ? WHERE id = ?`,
		now, sess.ID); err != nil {
		return fmt.Errorf("promote: mark completed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("promote: commit: %w", err)
	}
	return nil
}

// conclusionsForFile picks reasoning entries that mention the file path.
func conclusionsForFile(trace []string, file string) []string {
	base := path.Base(file)
	var out []string
	for _, entry := range trace {
		if !strings.HasPrefix(entry, "CONCLUSION:") {
			continue
		}
		if strings.Contains(entry, file) || strings.Contains(entry, base) {
			out = append(out, entry)
		}
	}
	return out
}

// SearchTeamMemory lists team-memory entries for a project, optionally
// narrowed by status, touched files, or keywords. Returns newest first.
func (s *Store) SearchTeamMemory(ctx context.Context, project string, filter TeamMemoryFilter) ([]*TeamMemoryEntry, error) {
	q := `SELECT id, session_id, project_path, original_query, goal,
		reasoning_trace, decisions, files, tags, status, created_at
		FROM team_memory WHERE project_path = ?`
	args := []any{project}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, filter.Status)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search team memory: %w", err)
	}
	defer rows.Close()

	var out []*TeamMemoryEntry
	for rows.Next() {
		var e TeamMemoryEntry
		var trace, decisions, files, tags, createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ProjectPath, &e.OriginalQuery,
			&e.Goal, &trace, &decisions, &files, &tags, &e.Status, &createdAt); err != nil {
			return nil, err
		}
		e.ReasoningTrace = unmarshalList(trace)
		e.Decisions = unmarshalDecisions(decisions)
		e.Files = unmarshalList(files)
		e.Tags = unmarshalList(tags)
		e.CreatedAt = parseTime(createdAt)

		if len(filter.Files) > 0 && !anyOverlap(e.Files, filter.Files) {
			continue
		}
		if len(filter.Keywords) > 0 && !matchesKeywords(&e, filter.Keywords) {
			continue
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func anyOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
		set[path.Base(x)] = true
	}
	for _, y := range b {
		if set[y] || set[path.Base(y)] {
			return true
		}
	}
	return false
}

func matchesKeywords(e *TeamMemoryEntry, keywords []string) bool {
	hay := strings.ToLower(e.OriginalQuery + " " + e.Goal + " " + strings.Join(e.Tags, " "))
	for _, kw := range keywords {
		if kw != "" && strings.Contains(hay, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// FileReasoningByPattern returns file-reasoning rows whose path matches the
// glob-ish pattern ("*" wildcards; a bare name matches by suffix).
func (s *Store) FileReasoningByPattern(ctx context.Context, project, pattern string) ([]*FileReasoning, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_path, file_path, entries, updated_at
		 FROM file_reasoning WHERE project_path = ?`, project)
	if err != nil {
		return nil, fmt.Errorf("file reasoning: %w", err)
	}
	defer rows.Close()

	var out []*FileReasoning
	for rows.Next() {
		var fr FileReasoning
		var entries, updatedAt string
		if err := rows.Scan(&fr.ID, &fr.ProjectPath, &fr.FilePath, &entries, &updatedAt); err != nil {
			return nil, err
		}
		if !pathMatches(fr.FilePath, pattern) {
			continue
		}
		fr.Entries = unmarshalList(entries)
		fr.UpdatedAt = parseTime(updatedAt)
		out = append(out, &fr)
	}
	return out, rows.Err()
}

func pathMatches(file, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if ok, err := path.Match(pattern, file); err == nil && ok {
		return true
	}
	if ok, err := path.Match(pattern, path.Base(file)); err == nil && ok {
		return true
	}
	return strings.HasSuffix(file, pattern)
}

// UpsertFileReasoning merges new entries into a file's reasoning row,
// dropping duplicates.
func (s *Store) UpsertFileReasoning(ctx context.Context, project, file string, entries []string) error {
	if len(entries) == 0 {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT entries FROM file_reasoning WHERE project_path = ? AND file_path = ?`,
		project, file).Scan(&existing)
	merged := entries
	if err == nil {
		merged = mergeEntries(unmarshalList(existing), entries)
	}
	b, _ := json.Marshal(merged)
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO file_reasoning (project_path, file_path, entries, updated_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT(project_path, file_path) DO UPDATE SET
			entries = excluded.entries, updated_at = excluded.updated_at`,
		project, file, string(b), now)
	if err != nil {
		return fmt.Errorf("upsert file reasoning: %w", err)
	}
	return nil
}

func mergeEntries(old, add []string) []string {
	seen := make(map[string]bool, len(old))
	out := make([]string, 0, len(old)+len(add))
	for _, e := range old {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range add {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
