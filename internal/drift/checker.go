// Package drift interprets alignment scores from the auxiliary model and
// drives the session's drifted/forced escalation ladder.
package drift

import (
	"context"
	"strings"
	"sync"

	"github.com/tonystef/grov/internal/llmhelper"
	"github.com/tonystef/grov/internal/store"
)

// Score bands.
const (
	realignThreshold  = 8 // >= realign to normal
	validateThreshold = 5 // < drifted; steps recorded unvalidated
	forceEscalation   = 3 // escalation count that flips drifted into forced
)

// Outcome is the interpreted result of one drift check.
type Outcome struct {
	Result    llmhelper.DriftResult
	Mode      string // resulting session mode
	SkipSteps bool   // true iff actions this turn go only to the drift audit log
	// SaveCorrection carries the text injected as [DRIFT: ...] next turn;
	// empty when nothing should be saved.
	SaveCorrection string
	// ForceRecovery carries the full forced-recovery rewrite request; only
	// set when escalation exhausted the drifted band.
	ForceRecovery string
	Escalate     bool
	Realign      bool
}

// Checker scores sessions and caches the latest result for the next turn's
// recovery-alignment check.
type Checker struct {
	helper *llmhelper.Client

	mu   sync.Mutex
	last map[string]llmhelper.DriftResult // session id -> latest result
}

func NewChecker(helper *llmhelper.Client) *Checker {
	return &Checker{helper: helper, last: make(map[string]llmhelper.DriftResult)}
}

// Check scores the session's recent steps against its goal and interprets
// the bands: >=8 realigns, 5-7 saves a correction without changing mode, <5
// drifts and escalates, and <5 with escalation >=3 forces a full recovery.
func (c *Checker) Check(ctx context.Context, sess *store.Session, steps []*store.Step, userMessage string) Outcome {
	rendered := make([]string, 0, len(steps))
	for _, st := range steps {
		rendered = append(rendered, RenderStep(st))
	}
	res := c.helper.CheckDrift(ctx, sess.Goal, sess.ExpectedScope, sess.Constraints, rendered, userMessage)

	c.mu.Lock()
	c.last[sess.ID] = res
	c.mu.Unlock()

	return interpret(res, sess)
}

// interpret applies the band thresholds to a scored result.
func interpret(res llmhelper.DriftResult, sess *store.Session) Outcome {
	out := Outcome{Result: res, Mode: sess.Mode}
	switch {
	case res.Score >= realignThreshold:
		out.Mode = store.ModeNormal
		out.Realign = sess.Mode != store.ModeNormal
	case res.Score >= validateThreshold:
		out.SaveCorrection = correctionText(res)
	default:
		out.SkipSteps = true
		out.SaveCorrection = correctionText(res)
		out.Escalate = true
		out.Mode = store.ModeDrifted
		if sess.Escalation+1 >= forceEscalation {
			out.Mode = store.ModeForced
			out.ForceRecovery = forcedText(res)
		}
	}
	return out
}

// Last returns the cached result for a session, if any.
func (c *Checker) Last(sessionID string) (llmhelper.DriftResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.last[sessionID]
	return res, ok
}

// Forget drops the cached result, used once a session realigns or closes.
func (c *Checker) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, sessionID)
}

// CheckAlignment judges the latest step against the cached recovery plan.
func (c *Checker) CheckAlignment(ctx context.Context, sessionID string, step *store.Step) llmhelper.AlignmentResult {
	res, ok := c.Last(sessionID)
	if !ok {
		return llmhelper.AlignmentResult{Aligned: true, Reason: "no drift result cached"}
	}
	return c.helper.CheckRecoveryAlignment(ctx, RenderStep(step), res.Recovery)
}

// RenderStep flattens a step into the one-line form shown to the helper.
func RenderStep(st *store.Step) string {
	var b strings.Builder
	b.WriteString(st.Kind)
	if len(st.Files) > 0 {
		b.WriteString(" " + strings.Join(st.Files, ","))
	}
	if st.Command != "" {
		b.WriteString(" `" + st.Command + "`")
	}
	if st.Reasoning != "" {
		b.WriteString(": " + st.Reasoning)
	}
	return b.String()
}

func correctionText(res llmhelper.DriftResult) string {
	var b strings.Builder
	b.WriteString(res.Diagnostic)
	if len(res.Recovery) > 0 {
		b.WriteString(" Recovery: ")
		b.WriteString(strings.Join(res.Recovery, "; "))
	}
	return strings.TrimSpace(b.String())
}

func forcedText(res llmhelper.DriftResult) string {
	var b strings.Builder
	b.WriteString("Repeated goal drift detected. Stop the current approach. ")
	b.WriteString(res.Diagnostic)
	if len(res.Recovery) > 0 {
		b.WriteString(" Follow these steps exactly: ")
		b.WriteString(strings.Join(res.Recovery, "; "))
	}
	return strings.TrimSpace(b.String())
}
