package proxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tonystef/grov/internal/adapter"
	"github.com/tonystef/grov/internal/drift"
	"github.com/tonystef/grov/internal/llmhelper"
	"github.com/tonystef/grov/internal/store"
)

// postTimeout bounds one turn's background work.
const postTimeout = 2 * time.Minute

// postProcess runs detached from the response path: it records the turn's
// actions, keeps the task state machine moving, and checks drift. End-of-turn
// work for one session is serialized so transitions stay monotonic. Store
// failures abort the job after logging; they never reach the client.
func (s *Server) postProcess(project string, st *sessionState, body map[string]any, history []adapter.Turn) {
	st.turnMu.Lock()
	defer st.turnMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	if !s.anthro.IsValidResponse(body) {
		return
	}

	// Re-resolve: a concurrent turn may have opened or closed the session.
	sess, err := s.orch.Resolve(ctx, project)
	if err != nil {
		slog.Error("post: session resolve failed", "project", project, "error", err)
		return
	}

	endTurn := s.anthro.IsEndTurn(body)
	actions := s.anthro.ParseActions(body)
	assistantText := s.anthro.ExtractTextContent(body)
	lastUser := lastUserText(history)

	// No session yet: the end of the first turn creates one.
	if sess == nil || sess.Status != store.StatusActive {
		if endTurn {
			s.runAnalysis(ctx, project, st, sess, lastUser, assistantText)
		}
		return
	}
	st.mu.Lock()
	st.bindSession(sess.ID)
	st.mu.Unlock()

	// The session's token count tracks the latest actual context size; it
	// is set, never accumulated.
	usage := s.anthro.ExtractTokenUsage(body)
	if ctxSize := usage.ContextSize(); ctxSize > 0 {
		if err := s.store.UpdateSession(ctx, sess.ID, store.SessionPatch{TokenCount: &ctxSize}); err != nil {
			slog.Error("post: token update failed", "session", sess.ID, "error", err)
			return
		}
		sess.TokenCount = ctxSize
	}

	if len(actions) > 0 {
		sess = s.recordActions(ctx, sess, actions)
		if sess == nil {
			return
		}
	}

	if endTurn {
		s.endOfTurn(ctx, project, st, sess, lastUser, assistantText, history, usage)
	}
}

// recordActions persists the turn's actions as steps, gated by the cached
// drift result, and runs the recovery-alignment check when the session is
// waiting on one. Returns the (possibly refreshed) session.
func (s *Server) recordActions(ctx context.Context, sess *store.Session, actions []adapter.Action) *store.Session {
	score := 10
	skip := false
	if last, ok := s.checker.Last(sess.ID); ok {
		score = last.Score
		skip = last.Score < 5
	}

	// A drifted session watching for recovery judges the first action
	// against the plan before anything is recorded.
	if sess.Mode != store.ModeNormal && sess.WaitingRecovery {
		step := actionToStep(sess.ID, actions[0], score, !skip)
		align := s.checker.CheckAlignment(ctx, sess.ID, step)
		if align.Aligned {
			if err := s.resetDrift(ctx, sess); err != nil {
				slog.Error("post: drift reset failed", "session", sess.ID, "error", err)
				return nil
			}
			refreshed, err := s.store.SessionByID(ctx, sess.ID)
			if err == nil && refreshed != nil {
				sess = refreshed
			}
			score, skip = 10, false
		} else {
			esc := sess.Escalation + 1
			if err := s.store.UpdateSession(ctx, sess.ID, store.SessionPatch{Escalation: &esc}); err != nil {
				slog.Error("post: escalation update failed", "session", sess.ID, "error", err)
				return nil
			}
			sess.Escalation = esc
		}
	}

	for _, act := range actions {
		step := actionToStep(sess.ID, act, score, !skip)
		if err := s.store.AppendStep(ctx, step); err != nil {
			slog.Error("post: step append failed", "session", sess.ID, "error", err)
			return nil
		}
		if s.hub != nil {
			s.hub.Publish("step_recorded", map[string]any{
				"session": sess.ID, "kind": step.Kind, "files": step.Files, "validated": step.Validated,
			})
		}
		if skip {
			// Under strong drift the audit log carries the action too.
			last, _ := s.checker.Last(sess.ID)
			ev := &store.DriftEvent{
				SessionID:   sess.ID,
				ActionShape: drift.RenderStep(step),
				Score:       score,
				Diagnostic:  last.Diagnostic,
				Recovery:    last.Recovery,
			}
			if err := s.store.LogDriftEvent(ctx, ev); err != nil {
				slog.Error("post: drift event failed", "session", sess.ID, "error", err)
			}
		}
	}
	return sess
}

// resetDrift returns a recovered session to normal.
func (s *Server) resetDrift(ctx context.Context, sess *store.Session) error {
	mode := store.ModeNormal
	zero := 0
	waiting := false
	empty := ""
	err := s.store.UpdateSession(ctx, sess.ID, store.SessionPatch{
		Mode:              &mode,
		Escalation:        &zero,
		WaitingRecovery:   &waiting,
		PendingCorrection: &empty,
		PendingForced:     &empty,
	})
	if err != nil {
		return err
	}
	s.checker.Forget(sess.ID)
	slog.Info("session realigned to recovery plan", "session", sess.ID)
	return nil
}

// runAnalysis classifies the turn when no active session exists yet and
// applies the resulting transition.
func (s *Server) runAnalysis(ctx context.Context, project string, st *sessionState, sess *store.Session, lastUser, assistantText string) {
	if lastUser == "" {
		return
	}
	in := llmhelper.AnalyzeInput{UserMessage: lastUser, AssistantText: assistantText}
	if sess != nil {
		in.SessionID = sess.ID
		in.SessionGoal = sess.Goal
		in.SessionStatus = sess.Status
	}
	analysis := s.helper.AnalyzeTask(ctx, in)
	next, err := s.orch.Apply(ctx, project, sess, analysis, lastUser)
	if err != nil {
		slog.Error("post: lifecycle apply failed", "project", project, "error", err)
		return
	}
	st.mu.Lock()
	if next != nil {
		st.bindSession(next.ID)
	} else {
		st.bindSession("")
	}
	st.mu.Unlock()
}

// endOfTurn runs task analysis, reasoning backfill, the drift cadence, and
// the pre-emptive summary check.
func (s *Server) endOfTurn(ctx context.Context, project string, st *sessionState, sess *store.Session, lastUser, assistantText string, history []adapter.Turn, usage adapter.Usage) {
	st.mu.Lock()
	st.endTurns++
	turns := st.endTurns
	st.mu.Unlock()

	recent, err := s.store.RecentSteps(ctx, sess.ID, 10)
	if err != nil {
		slog.Error("post: recent steps failed", "session", sess.ID, "error", err)
		return
	}
	rendered := make([]string, 0, len(recent))
	for _, stp := range recent {
		rendered = append(rendered, drift.RenderStep(stp))
	}

	analysis := s.helper.AnalyzeTask(ctx, llmhelper.AnalyzeInput{
		SessionID:     sess.ID,
		SessionGoal:   sess.Goal,
		SessionStatus: sess.Status,
		UserMessage:   lastUser,
		RecentSteps:   rendered,
		AssistantText: assistantText,
	})

	// The assistant's prose explains the turn's tool calls after the fact.
	// Reasoning that states an explicit choice flags those steps as key
	// decisions, which feeds the dynamic delta and the CLEAR summary.
	if reasoning := strings.TrimSpace(analysis.StepReasoning); reasoning != "" {
		key := llmhelper.IsDecisionReasoning(reasoning)
		if err := s.store.BackfillStepReasoning(ctx, sess.ID, reasoning, 5, key); err != nil {
			slog.Error("post: reasoning backfill failed", "session", sess.ID, "error", err)
		}
	}

	next, err := s.orch.Apply(ctx, project, sess, analysis, firstUserGoal(history, lastUser))
	if err != nil {
		slog.Error("post: lifecycle apply failed", "session", sess.ID, "error", err)
		return
	}
	st.mu.Lock()
	if next != nil {
		st.bindSession(next.ID)
	} else {
		st.bindSession("")
	}
	st.mu.Unlock()
	if next == nil || next.ID != sess.ID {
		// The task closed or changed hands; drift and summaries belong to
		// the next turn's session.
		return
	}
	sess = next

	// Drift checks run every N end-of-turns to bound helper spend.
	if turns%s.cfg.DriftInterval() == 0 && len(recent) > 0 {
		s.applyDrift(ctx, sess, recent, lastUser)
	}

	s.maybePrecomputeSummary(ctx, st, sess, history, usage)
}

func firstUserGoal(history []adapter.Turn, fallback string) string {
	if g := firstUserText(history); g != "" {
		return g
	}
	return fallback
}

// applyDrift scores the session and persists the interpreted outcome.
func (s *Server) applyDrift(ctx context.Context, sess *store.Session, recent []*store.Step, lastUser string) {
	out := s.checker.Check(ctx, sess, recent, lastUser)

	patch := store.SessionPatch{}
	now := time.Now().UTC()
	patch.LastChecked = &now
	changed := false

	if out.Realign {
		mode := store.ModeNormal
		zero := 0
		waiting := false
		empty := ""
		patch.Mode = &mode
		patch.Escalation = &zero
		patch.WaitingRecovery = &waiting
		patch.PendingCorrection = &empty
		patch.PendingForced = &empty
		s.checker.Forget(sess.ID)
		changed = true
	}
	if out.SaveCorrection != "" {
		patch.PendingCorrection = &out.SaveCorrection
		changed = true
	}
	if out.Escalate {
		esc := sess.Escalation + 1
		waiting := true
		patch.Escalation = &esc
		patch.WaitingRecovery = &waiting
		patch.Mode = &out.Mode
		changed = true
	}
	if out.ForceRecovery != "" {
		patch.PendingForced = &out.ForceRecovery
		changed = true
	}

	if err := s.store.UpdateSession(ctx, sess.ID, patch); err != nil {
		slog.Error("post: drift patch failed", "session", sess.ID, "error", err)
		return
	}
	if changed && out.Result.Score < 8 && s.hub != nil {
		s.hub.Publish("drift_detected", map[string]any{
			"session": sess.ID, "score": out.Result.Score, "mode": out.Mode,
			"diagnostic": out.Result.Diagnostic,
		})
	}
}

// maybePrecomputeSummary kicks off the background summary once the context
// crosses the pre-compute ratio of the clear threshold.
func (s *Server) maybePrecomputeSummary(ctx context.Context, st *sessionState, sess *store.Session, history []adapter.Turn, usage adapter.Usage) {
	threshold := s.cfg.ClearThreshold()
	if threshold <= 0 || sess.ClearSummary != "" {
		return
	}
	ctxSize := usage.ContextSize()
	if ctxSize == 0 {
		ctxSize = sess.TokenCount
	}
	if float64(ctxSize) < float64(threshold)*s.cfg.PrecomputeRatio() {
		return
	}

	st.mu.Lock()
	if st.summaryInFlight {
		st.mu.Unlock()
		return
	}
	st.summaryInFlight = true
	st.mu.Unlock()

	sessID := sess.ID
	goal := sess.Goal
	turns := renderHistory(history)
	s.dispatch(func() {
		defer func() {
			st.mu.Lock()
			st.summaryInFlight = false
			st.mu.Unlock()
		}()
		jobCtx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()

		steps, _ := s.store.ValidatedSteps(jobCtx, sessID)
		var stepLines, decisions []string
		for _, stp := range steps {
			stepLines = append(stepLines, drift.RenderStep(stp))
			if stp.KeyDecision && stp.Reasoning != "" {
				decisions = append(decisions, stp.Reasoning)
			}
		}
		files, _ := s.store.EditedFiles(jobCtx, sessID)

		summary := s.helper.Summarize(jobCtx, llmhelper.SummaryInput{
			Goal:      goal,
			Steps:     stepLines,
			Decisions: decisions,
			Files:     files,
			History:   turns,
		})
		if summary == "" {
			return
		}
		if err := s.store.UpdateSession(jobCtx, sessID, store.SessionPatch{ClearSummary: &summary}); err != nil {
			slog.Error("summary save failed", "session", sessID, "error", err)
			return
		}
		slog.Info("clear summary precomputed", "session", sessID, "bytes", len(summary))
	})
}

func renderHistory(history []adapter.Turn) []string {
	// Keep the tail; the summary prompt is capped anyway.
	const keep = 12
	if len(history) > keep {
		history = history[len(history)-keep:]
	}
	out := make([]string, 0, len(history))
	for _, t := range history {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, t.Role+": "+t.Text)
	}
	return out
}

func actionToStep(sessionID string, act adapter.Action, score int, validated bool) *store.Step {
	return &store.Step{
		SessionID:  sessionID,
		Kind:       act.Kind,
		Files:      act.Files,
		Folders:    act.Folders,
		Command:    act.Command,
		DriftScore: score,
		Validated:  validated,
		Raw:        act.Raw,
	}
}
