package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "grov.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(project string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		ProjectPath: project,
		Goal:        "add rate limiting",
		Keywords:    []string{"rate", "limiting"},
		Kind:        KindMain,
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := newSession("/proj/api")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.ActiveSessionForProject(ctx, "/proj/api")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got == nil || got.ID != sess.ID {
		t.Fatalf("active session = %+v, want id %s", got, sess.ID)
	}
	if got.Status != StatusActive || got.Mode != ModeNormal {
		t.Errorf("defaults: status=%s mode=%s", got.Status, got.Mode)
	}
	if !reflect.DeepEqual(got.Keywords, sess.Keywords) {
		t.Errorf("keywords = %v, want %v", got.Keywords, sess.Keywords)
	}

	// At most one active session per project path.
	if err := s.CreateSession(ctx, newSession("/proj/api")); err == nil {
		t.Error("second active session for same project must fail")
	}

	// A different project is fine.
	if err := s.CreateSession(ctx, newSession("/proj/web")); err != nil {
		t.Errorf("other project: %v", err)
	}

	if err := s.MarkCompleted(ctx, sess.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got, _ := s.ActiveSessionForProject(ctx, "/proj/api"); got != nil {
		t.Errorf("still active after completion: %+v", got)
	}
	done, err := s.CompletedSessionForProject(ctx, "/proj/api", time.Hour)
	if err != nil || done == nil || done.ID != sess.ID {
		t.Fatalf("completed lookup = %+v, %v", done, err)
	}

	// Completed lookup respects the retention window.
	if old, _ := s.CompletedSessionForProject(ctx, "/proj/api", -time.Hour); old != nil {
		t.Errorf("expired completed session returned: %+v", old)
	}
}

func TestSubtaskRequiresParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	child := newSession("/proj/x")
	child.Kind = KindSubtask
	if err := s.CreateSession(ctx, child); err == nil {
		t.Fatal("subtask without parent must fail")
	}

	parent := newSession("/proj/y")
	if err := s.CreateSession(ctx, parent); err != nil {
		t.Fatalf("parent: %v", err)
	}
	child = newSession("/proj/z")
	child.Kind = KindSubtask
	child.ParentID = parent.ID
	if err := s.CreateSession(ctx, child); err != nil {
		t.Fatalf("subtask with parent: %v", err)
	}
}

func TestUpdateSessionPatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := newSession("/proj/p")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	mode := ModeDrifted
	esc := 2
	tokens := 90000
	correction := "refocus on the auth module"
	if err := s.UpdateSession(ctx, sess.ID, SessionPatch{
		Mode:              &mode,
		Escalation:        &esc,
		TokenCount:        &tokens,
		PendingCorrection: &correction,
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.SessionByID(ctx, sess.ID)
	if got.Mode != ModeDrifted || got.Escalation != 2 || got.TokenCount != 90000 {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.PendingCorrection != correction {
		t.Errorf("correction = %q", got.PendingCorrection)
	}
	if got.Goal != sess.Goal {
		t.Errorf("untouched field changed: goal = %q", got.Goal)
	}

	// Token count is set, not accumulated.
	tokens = 100
	if err := s.UpdateSession(ctx, sess.ID, SessionPatch{TokenCount: &tokens}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.SessionByID(ctx, sess.ID)
	if got.TokenCount != 100 {
		t.Errorf("token count = %d, want 100", got.TokenCount)
	}
}

func TestStepsAndDecisions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := newSession("/proj/steps")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	add := func(kind string, files []string, validated, key bool) {
		t.Helper()
		if err := s.AppendStep(ctx, &Step{
			SessionID: sess.ID, Kind: kind, Files: files,
			DriftScore: 9, Validated: validated, KeyDecision: key,
		}); err != nil {
			t.Fatal(err)
		}
	}

	add(ActionEdit, []string{"src/a.ts"}, true, true)
	add(ActionRead, []string{"src/b.ts"}, true, false)
	add(ActionWrite, []string{"src/c.ts", "src/a.ts"}, false, false)
	add(ActionRunCommand, nil, true, false)

	recent, err := s.RecentSteps(ctx, sess.ID, 2)
	if err != nil || len(recent) != 2 {
		t.Fatalf("recent = %d, %v", len(recent), err)
	}
	if recent[0].Kind != ActionWrite || recent[1].Kind != ActionRunCommand {
		t.Errorf("recent order wrong: %s, %s", recent[0].Kind, recent[1].Kind)
	}

	validated, _ := s.ValidatedSteps(ctx, sess.ID)
	if len(validated) != 3 {
		t.Errorf("validated = %d, want 3", len(validated))
	}

	keys, _ := s.KeyDecisions(ctx, sess.ID, 5)
	if len(keys) != 1 || keys[0].Kind != ActionEdit {
		t.Errorf("key decisions = %+v", keys)
	}

	// Only edit/write kinds count as edited files, deduped.
	files, _ := s.EditedFiles(ctx, sess.ID)
	want := []string{"src/a.ts", "src/c.ts"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("edited files = %v, want %v", files, want)
	}

	// A step's session id must reference an existing session.
	err = s.AppendStep(ctx, &Step{SessionID: "nope", Kind: ActionRead})
	if err == nil {
		t.Error("step with dangling session id must fail")
	}
}

func TestBackfillStepReasoning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := newSession("/proj/bf")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: ActionEdit, Reasoning: "already set"})
	s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: ActionEdit})
	s.AppendStep(ctx, &Step{SessionID: sess.ID, Kind: ActionWrite})

	if err := s.BackfillStepReasoning(ctx, sess.ID, "chose sliding window because bursts", 5, true); err != nil {
		t.Fatal(err)
	}
	steps, _ := s.RecentSteps(ctx, sess.ID, 10)
	if steps[0].Reasoning != "already set" {
		t.Errorf("pre-set reasoning overwritten: %q", steps[0].Reasoning)
	}
	if steps[0].KeyDecision {
		t.Error("pre-set step must not be flagged")
	}
	for _, st := range steps[1:] {
		if st.Reasoning != "chose sliding window because bursts" {
			t.Errorf("step %d reasoning = %q", st.ID, st.Reasoning)
		}
		if !st.KeyDecision {
			t.Errorf("step %d not flagged as key decision", st.ID)
		}
	}

	// Key decisions produced by backfill are queryable.
	keys, _ := s.KeyDecisions(ctx, sess.ID, 5)
	if len(keys) != 2 {
		t.Errorf("key decisions = %d, want 2", len(keys))
	}
}

func TestPromoteAndSearchTeamMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := newSession("/proj/tm")
	sess.Goal = "add rate limiting to the api"
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	trace := []string{
		"CONCLUSION: src/middleware/rate-limit.ts caps requests at 100/min",
		"INSIGHT: middleware ordering matters for auth",
	}
	ex := &Extraction{
		ReasoningTrace: trace,
		Decisions:      []Decision{{Choice: "sliding window", Reason: "burst tolerance"}},
		Tags:           []string{"rate", "middleware"},
	}
	files := []string{"src/middleware/rate-limit.ts"}
	if err := s.PromoteToTeamMemory(ctx, sess, "add rate limiting", files, ex); err != nil {
		t.Fatalf("promote: %v", err)
	}

	// Promotion marks the session completed.
	got, _ := s.SessionByID(ctx, sess.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s after promotion", got.Status)
	}

	// Round trip: the reasoning trace comes back verbatim.
	entries, err := s.SearchTeamMemory(ctx, "/proj/tm", TeamMemoryFilter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("search = %d, %v", len(entries), err)
	}
	if !reflect.DeepEqual(entries[0].ReasoningTrace, trace) {
		t.Errorf("trace = %v, want %v", entries[0].ReasoningTrace, trace)
	}
	if entries[0].Status != StatusCompleted {
		t.Errorf("no team-memory entry may reference a non-completed session")
	}

	// File filter matches on base name too.
	byFile, _ := s.SearchTeamMemory(ctx, "/proj/tm", TeamMemoryFilter{Files: []string{"rate-limit.ts"}})
	if len(byFile) != 1 {
		t.Errorf("file filter = %d, want 1", len(byFile))
	}
	byFile, _ = s.SearchTeamMemory(ctx, "/proj/tm", TeamMemoryFilter{Files: []string{"other.ts"}})
	if len(byFile) != 0 {
		t.Errorf("file filter (miss) = %d, want 0", len(byFile))
	}

	// Keyword filter.
	byKw, _ := s.SearchTeamMemory(ctx, "/proj/tm", TeamMemoryFilter{Keywords: []string{"middleware"}})
	if len(byKw) != 1 {
		t.Errorf("keyword filter = %d, want 1", len(byKw))
	}

	// File reasoning was folded in and is queryable by pattern.
	frs, err := s.FileReasoningByPattern(ctx, "/proj/tm", "*.ts")
	if err != nil || len(frs) != 1 {
		t.Fatalf("file reasoning = %d, %v", len(frs), err)
	}
	if len(frs[0].Entries) != 1 || frs[0].Entries[0] != trace[0] {
		t.Errorf("entries = %v", frs[0].Entries)
	}
}

func TestCleanupOldCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := newSession("/proj/old")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.PromoteToTeamMemory(ctx, sess, "q", nil, &Extraction{}); err != nil {
		t.Fatal(err)
	}

	// Nothing is old enough yet.
	n, err := s.CleanupOldCompleted(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}

	// With a negative window everything completed is stale.
	n, err = s.CleanupOldCompleted(ctx, -time.Second)
	if err != nil || n != 1 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}

	// The session is gone; its team memory survives.
	if got, _ := s.SessionByID(ctx, sess.ID); got != nil {
		t.Errorf("session still present: %+v", got)
	}
	entries, _ := s.SearchTeamMemory(ctx, "/proj/old", TeamMemoryFilter{})
	if len(entries) != 1 {
		t.Errorf("team memory lost on cleanup: %d entries", len(entries))
	}
}

func TestDriftEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := newSession("/proj/drift")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	ev := &DriftEvent{
		SessionID:   sess.ID,
		ActionShape: "edit src/unrelated.ts",
		Score:       3,
		Diagnostic:  "editing files outside scope",
		Recovery:    []string{"revert edit", "return to auth module"},
	}
	if err := s.LogDriftEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	got, err := s.DriftEvents(ctx, sess.ID)
	if err != nil || len(got) != 1 {
		t.Fatalf("events = %d, %v", len(got), err)
	}
	if got[0].Score != 3 || len(got[0].Recovery) != 2 {
		t.Errorf("event = %+v", got[0])
	}
}
