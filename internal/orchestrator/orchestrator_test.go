package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tonystef/grov/internal/llmhelper"
	"github.com/tonystef/grov/internal/store"
)

func newOrch(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "grov.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	// Unavailable helper: intent and extraction run on fallbacks.
	o := New(s, llmhelper.New(""), nil, func() time.Duration { return 24 * time.Hour })
	return o, s
}

func TestIsWarmup(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"  warmup  ", true},
		{"Ping", true},
		{"add rate limiting", false},
	}
	for _, tt := range tests {
		if got := IsWarmup(tt.in); got != tt.want {
			t.Errorf("IsWarmup(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewTaskFromNothing(t *testing.T) {
	o, s := newOrch(t)
	ctx := context.Background()

	sess, err := o.Apply(ctx, "/proj", nil,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionNewTask}, "add rate limiting to the api")
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || sess.Kind != store.KindMain || sess.Status != store.StatusActive {
		t.Fatalf("session = %+v", sess)
	}
	// Fallback intent derives the goal from the prompt.
	if sess.Goal == "" {
		t.Error("goal empty after intent extraction")
	}

	got, _ := s.ActiveSessionForProject(ctx, "/proj")
	if got == nil || got.ID != sess.ID {
		t.Error("session not persisted as active")
	}
}

func TestContinueRefreshesGoalOnlyWhenSubstantive(t *testing.T) {
	o, _ := newOrch(t)
	ctx := context.Background()

	sess, err := o.Apply(ctx, "/proj", nil,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionNewTask, CurrentGoal: "original goal for the task"}, "prompt")
	if err != nil {
		t.Fatal(err)
	}

	// Short suggestion: no refresh.
	after, err := o.Apply(ctx, "/proj", sess,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionContinue, CurrentGoal: "short goal"}, "next")
	if err != nil {
		t.Fatal(err)
	}
	if after.Goal != sess.Goal {
		t.Errorf("short goal must not refresh: %q", after.Goal)
	}

	// Substantive differing suggestion: refresh.
	long := "refactor the middleware chain so rate limiting applies before auth"
	after, err = o.Apply(ctx, "/proj", sess,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionContinue, CurrentGoal: long}, "next")
	if err != nil {
		t.Fatal(err)
	}
	if after.Goal != long {
		t.Errorf("goal = %q, want refreshed", after.Goal)
	}
}

func TestTaskCompletePromotesAndAllowsReactivation(t *testing.T) {
	o, s := newOrch(t)
	ctx := context.Background()

	sess, err := o.Apply(ctx, "/proj", nil,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionNewTask, CurrentGoal: "build the feature end to end"}, "build it")
	if err != nil {
		t.Fatal(err)
	}
	s.AppendStep(ctx, &store.Step{SessionID: sess.ID, Kind: store.ActionEdit,
		Files: []string{"src/f.go"}, Validated: true})

	after, err := o.Apply(ctx, "/proj", sess,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionTaskComplete}, "build it")
	if err != nil {
		t.Fatal(err)
	}
	if after != nil {
		t.Errorf("completed task must yield nil current, got %+v", after)
	}

	entries, _ := s.SearchTeamMemory(ctx, "/proj", store.TeamMemoryFilter{})
	if len(entries) != 1 {
		t.Fatalf("team memory entries = %d", len(entries))
	}
	if entries[0].Status != store.StatusCompleted {
		t.Error("promoted entry not completed")
	}

	// Resolve now returns the completed session for possible reactivation.
	resolved, err := o.Resolve(ctx, "/proj")
	if err != nil || resolved == nil || resolved.ID != sess.ID {
		t.Fatalf("resolve after completion = %+v, %v", resolved, err)
	}
	if resolved.Status != store.StatusCompleted {
		t.Error("resolved session should be the completed one")
	}

	// Continue against the completed session reactivates it.
	re, err := o.Apply(ctx, "/proj", resolved,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionContinue}, "one more thing")
	if err != nil {
		t.Fatal(err)
	}
	if re.Status != store.StatusActive {
		t.Errorf("reactivated status = %s", re.Status)
	}
}

func TestSubtaskLifecycle(t *testing.T) {
	o, s := newOrch(t)
	ctx := context.Background()

	parent, err := o.Apply(ctx, "/proj", nil,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionNewTask, CurrentGoal: "main goal of the overall task"}, "do it")
	if err != nil {
		t.Fatal(err)
	}

	child, err := o.Apply(ctx, "/proj", parent,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionSubtask, CurrentGoal: "first narrow the schema"}, "narrow")
	if err != nil {
		t.Fatal(err)
	}
	if child.Kind != store.KindSubtask || child.ParentID != parent.ID {
		t.Fatalf("child = %+v", child)
	}
	// Only one active session per project: the child holds the slot.
	active, _ := s.ActiveSessionForProject(ctx, "/proj")
	if active == nil || active.ID != child.ID {
		t.Errorf("active = %+v, want child", active)
	}

	// Completing the subtask promotes it and returns to the parent.
	back, err := o.Apply(ctx, "/proj", child,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionSubtaskComplete}, "done")
	if err != nil {
		t.Fatal(err)
	}
	if back == nil || back.ID != parent.ID || back.Status != store.StatusActive {
		t.Fatalf("returned session = %+v, want active parent", back)
	}
	entries, _ := s.SearchTeamMemory(ctx, "/proj", store.TeamMemoryFilter{})
	if len(entries) != 1 || entries[0].SessionID != child.ID {
		t.Errorf("subtask not promoted: %+v", entries)
	}
}

func TestParallelTaskSharesParent(t *testing.T) {
	o, _ := newOrch(t)
	ctx := context.Background()

	main, _ := o.Apply(ctx, "/proj", nil,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionNewTask, CurrentGoal: "the overarching goal statement"}, "go")
	sub, err := o.Apply(ctx, "/proj", main,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionSubtask, CurrentGoal: "sub work"}, "sub")
	if err != nil {
		t.Fatal(err)
	}

	par, err := o.Apply(ctx, "/proj", sub,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionParallelTask, CurrentGoal: "parallel work"}, "par")
	if err != nil {
		t.Fatal(err)
	}
	if par.Kind != store.KindParallel || par.ParentID != main.ID {
		t.Errorf("parallel task = %+v, want parent %s", par, main.ID)
	}
}

func TestNewTaskReplacesCompletedSibling(t *testing.T) {
	o, s := newOrch(t)
	ctx := context.Background()

	first, _ := o.Apply(ctx, "/proj", nil,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionNewTask, CurrentGoal: "the first task to be replaced"}, "one")
	o.Apply(ctx, "/proj", first, llmhelper.TaskAnalysis{Action: llmhelper.ActionTaskComplete}, "one")

	completed, _ := s.CompletedSessionForProject(ctx, "/proj", time.Hour)
	if completed == nil {
		t.Fatal("no completed sibling")
	}

	second, err := o.Apply(ctx, "/proj", completed,
		llmhelper.TaskAnalysis{Action: llmhelper.ActionNewTask, CurrentGoal: "a totally different topic now"}, "two")
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.Status != store.StatusActive {
		t.Fatalf("second = %+v", second)
	}
	// The old sibling row is gone; its team memory survives.
	if got, _ := s.SessionByID(ctx, first.ID); got != nil {
		t.Errorf("old sibling not deleted: %+v", got)
	}
	entries, _ := s.SearchTeamMemory(ctx, "/proj", store.TeamMemoryFilter{})
	if len(entries) != 1 {
		t.Errorf("first task's memory lost: %d entries", len(entries))
	}
}

func TestResolveRespectsRetention(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "grov.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	o := New(s, llmhelper.New(""), nil, func() time.Duration { return -time.Second })

	ctx := context.Background()
	sess := &store.Session{ID: uuid.NewString(), ProjectPath: "/proj", Goal: "g", Kind: store.KindMain}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	got, err := o.Resolve(ctx, "/proj")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expired completed session resolved: %+v", got)
	}
}
