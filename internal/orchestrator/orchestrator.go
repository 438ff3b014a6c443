// Package orchestrator owns the task lifecycle: mapping requests onto active
// sessions, spawning subtasks and parallel tasks, and closing tasks into
// team memory.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonystef/grov/internal/drift"
	"github.com/tonystef/grov/internal/llmhelper"
	"github.com/tonystef/grov/internal/store"
)

// goalRefreshMinLen gates original-goal refresh on continue: the suggested
// goal must be substantive (not a fragment) before it replaces the original.
const goalRefreshMinLen = 30

// Notifier receives lifecycle events for the dashboard feed. Implementations
// must not block.
type Notifier interface {
	Publish(event string, data map[string]any)
}

// Orchestrator drives session state transitions. All mutation of session
// rows happens here.
type Orchestrator struct {
	store     *store.Store
	helper    *llmhelper.Client
	notifier  Notifier
	retention func() time.Duration
}

func New(s *store.Store, helper *llmhelper.Client, notifier Notifier, retention func() time.Duration) *Orchestrator {
	if retention == nil {
		retention = func() time.Duration { return 24 * time.Hour }
	}
	return &Orchestrator{store: s, helper: helper, notifier: notifier, retention: retention}
}

func (o *Orchestrator) notify(event string, data map[string]any) {
	if o.notifier != nil {
		o.notifier.Publish(event, data)
	}
}

// Resolve finds the session a request belongs to: the active session when
// one exists, otherwise the most recently completed one inside the retention
// window so the analyzer can choose between continuing and starting fresh.
func (o *Orchestrator) Resolve(ctx context.Context, project string) (*store.Session, error) {
	active, err := o.store.ActiveSessionForProject(ctx, project)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}
	return o.store.CompletedSessionForProject(ctx, project, o.retention())
}

// IsWarmup reports whether the prompt is a no-op turn that short-circuits
// orchestration entirely.
func IsWarmup(userMessage string) bool {
	msg := strings.ToLower(strings.TrimSpace(userMessage))
	switch msg {
	case "", "warmup", "ping", "test":
		return true
	}
	return false
}

// Apply runs the lifecycle table for one end-of-turn analysis and returns
// the session that is current afterwards (nil when the task closed with no
// successor).
func (o *Orchestrator) Apply(ctx context.Context, project string, current *store.Session, analysis llmhelper.TaskAnalysis, userMessage string) (*store.Session, error) {
	switch analysis.Action {
	case llmhelper.ActionNewTask:
		return o.startNewTask(ctx, project, current, analysis, userMessage)

	case llmhelper.ActionContinue:
		return o.continueTask(ctx, current, analysis)

	case llmhelper.ActionSubtask:
		return o.spawnChild(ctx, project, current, analysis, store.KindSubtask)

	case llmhelper.ActionParallelTask:
		return o.spawnChild(ctx, project, current, analysis, store.KindParallel)

	case llmhelper.ActionSubtaskComplete:
		return o.completeSubtask(ctx, current, userMessage)

	case llmhelper.ActionTaskComplete:
		if current == nil || current.Status != store.StatusActive {
			return current, nil
		}
		if err := o.CompleteTask(ctx, current, userMessage); err != nil {
			return current, err
		}
		return nil, nil
	}
	return current, nil
}

func (o *Orchestrator) startNewTask(ctx context.Context, project string, current *store.Session, analysis llmhelper.TaskAnalysis, userMessage string) (*store.Session, error) {
	// Drop the old completed sibling so retention-window reactivation cannot
	// resurrect a task two generations back. Its team memory survives.
	if prev, err := o.store.CompletedSessionForProject(ctx, project, o.retention()); err == nil && prev != nil {
		if err := o.store.DeleteSessionCascade(ctx, prev.ID); err != nil {
			slog.Warn("delete completed sibling failed", "session", prev.ID, "error", err)
		}
	}
	// A still-active session yields: close it to memory before replacing.
	if current != nil && current.Status == store.StatusActive {
		if err := o.CompleteTask(ctx, current, userMessage); err != nil {
			slog.Warn("close previous task failed", "session", current.ID, "error", err)
		}
	}

	intent := o.helper.ExtractIntent(ctx, userMessage)
	goal := analysis.CurrentGoal
	if goal == "" {
		goal = intent.Goal
	}
	sess := &store.Session{
		ID:            uuid.NewString(),
		ProjectPath:   project,
		Goal:          goal,
		ExpectedScope: intent.ExpectedScope,
		Constraints:   intent.Constraints,
		Keywords:      intent.Keywords,
		Kind:          store.KindMain,
		Status:        store.StatusActive,
		Mode:          store.ModeNormal,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	o.notify("session_created", map[string]any{"session": sess.ID, "project": project, "goal": sess.Goal})
	return sess, nil
}

func (o *Orchestrator) continueTask(ctx context.Context, current *store.Session, analysis llmhelper.TaskAnalysis) (*store.Session, error) {
	if current == nil {
		return nil, nil
	}
	patch := store.SessionPatch{}
	changed := false

	if current.Status == store.StatusCompleted {
		// Reactivate a recently finished task the user came back to.
		status := store.StatusActive
		patch.Status = &status
		changed = true
	}
	// Refresh the goal only when the helper reports a substantive
	// sub-instruction, not a superficial rewording.
	if g := strings.TrimSpace(analysis.CurrentGoal); g != "" && g != current.Goal && len(g) > goalRefreshMinLen {
		patch.Goal = &g
		changed = true
	}
	if !changed {
		return current, nil
	}
	if err := o.store.UpdateSession(ctx, current.ID, patch); err != nil {
		return current, err
	}
	return o.store.SessionByID(ctx, current.ID)
}

func (o *Orchestrator) spawnChild(ctx context.Context, project string, current *store.Session, analysis llmhelper.TaskAnalysis, kind string) (*store.Session, error) {
	if current == nil {
		return o.startNewTask(ctx, project, nil, analysis, analysis.CurrentGoal)
	}
	parentID := current.ID
	if kind == store.KindParallel && current.ParentID != "" {
		// Parallel work is a sibling: it shares the current task's parent.
		parentID = current.ParentID
	}

	// The child takes over the single active slot for the project.
	if current.Status == store.StatusActive {
		if err := o.store.MarkCompleted(ctx, current.ID); err != nil {
			return current, fmt.Errorf("spawn child: park parent: %w", err)
		}
	}

	sess := &store.Session{
		ID:          uuid.NewString(),
		ProjectPath: project,
		Goal:        analysis.CurrentGoal,
		Keywords:    current.Keywords,
		Kind:        kind,
		ParentID:    parentID,
		Status:      store.StatusActive,
		Mode:        store.ModeNormal,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return current, fmt.Errorf("spawn child: %w", err)
	}
	o.notify("session_created", map[string]any{
		"session": sess.ID, "project": project, "goal": sess.Goal,
		"kind": kind, "parent": parentID,
	})
	return sess, nil
}

func (o *Orchestrator) completeSubtask(ctx context.Context, current *store.Session, userMessage string) (*store.Session, error) {
	if current == nil {
		return nil, nil
	}
	if current.ParentID == "" {
		// Not actually a child; treat as a plain completion.
		if err := o.CompleteTask(ctx, current, userMessage); err != nil {
			return current, err
		}
		return nil, nil
	}
	parentID := current.ParentID
	if err := o.CompleteTask(ctx, current, userMessage); err != nil {
		return current, err
	}
	// Return control to the parent.
	parent, err := o.store.SessionByID(ctx, parentID)
	if err != nil || parent == nil {
		return nil, err
	}
	if parent.Status != store.StatusActive {
		status := store.StatusActive
		if err := o.store.UpdateSession(ctx, parent.ID, store.SessionPatch{Status: &status}); err != nil {
			return nil, err
		}
		parent, err = o.store.SessionByID(ctx, parent.ID)
		if err != nil {
			return nil, err
		}
	}
	return parent, nil
}

// CompleteTask promotes a session to team memory and marks it completed, as
// one atomic store operation.
func (o *Orchestrator) CompleteTask(ctx context.Context, sess *store.Session, originalQuery string) error {
	steps, err := o.store.ValidatedSteps(ctx, sess.ID)
	if err != nil {
		return err
	}
	stepLog := make([]string, 0, len(steps))
	for _, st := range steps {
		stepLog = append(stepLog, drift.RenderStep(st))
	}
	res := o.helper.ExtractReasoningAndDecisions(ctx, sess.Goal, stepLog)

	files, err := o.store.EditedFiles(ctx, sess.ID)
	if err != nil {
		return err
	}

	ex := &store.Extraction{
		ReasoningTrace: res.ReasoningTrace,
		Tags:           res.Tags,
	}
	for _, d := range res.Decisions {
		ex.Decisions = append(ex.Decisions, store.Decision{Choice: d.Choice, Reason: d.Reason})
	}
	if originalQuery == "" {
		originalQuery = sess.Goal
	}
	if err := o.store.PromoteToTeamMemory(ctx, sess, originalQuery, files, ex); err != nil {
		return err
	}
	o.notify("task_completed", map[string]any{"session": sess.ID, "project": sess.ProjectPath, "goal": sess.Goal})
	return nil
}
