package llmhelper

import (
	"context"
	"fmt"
	"strings"
)

// DriftResult is the scored alignment of recent actions against the goal.
type DriftResult struct {
	Score      int      `json:"score"` // 0-10, 10 = perfectly aligned
	DriftType  string   `json:"drift_type"`
	Diagnostic string   `json:"diagnostic"`
	Recovery   []string `json:"recovery"`
}

const driftSystem = `You score how aligned a coding assistant's recent actions are with the session goal.

Respond with only a JSON object:
{"score": 0-10 (10 = perfectly aligned),
 "drift_type": "scope_creep" | "wrong_files" | "goal_shift" | "churn" | "none",
 "diagnostic": "one short sentence",
 "recovery": ["ordered concrete steps back to the goal; empty when aligned"]}`

// CheckDrift scores the session. The fallback is a perfect score: with no
// helper there is no evidence of drift, and a false alarm would gate steps
// out of the log.
func (c *Client) CheckDrift(ctx context.Context, goal string, scope, constraints, recentSteps []string, userMessage string) DriftResult {
	aligned := DriftResult{Score: 10, DriftType: "none"}
	if !c.Available() {
		return aligned
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if len(scope) > 0 {
		fmt.Fprintf(&b, "Expected scope: %s\n", strings.Join(scope, ", "))
	}
	if len(constraints) > 0 {
		fmt.Fprintf(&b, "Constraints: %s\n", strings.Join(constraints, "; "))
	}
	b.WriteString("\nRecent actions:\n")
	for _, s := range recentSteps {
		b.WriteString("- " + s + "\n")
	}
	fmt.Fprintf(&b, "\nLatest user message:\n%s\n", truncate(userMessage, 2000))

	text, err := c.complete(ctx, driftSystem, b.String(), 512)
	if err != nil {
		return aligned
	}
	var raw map[string]any
	if err := decodeObject(text, &raw); err != nil {
		return aligned
	}
	out := DriftResult{
		Score:      clampInt(raw["score"], 0, 10, 10),
		DriftType:  strField(raw, "drift_type"),
		Diagnostic: strField(raw, "diagnostic"),
		Recovery:   stringSlice(raw["recovery"]),
	}
	if out.DriftType == "" {
		out.DriftType = "none"
	}
	return out
}

const alignmentSystem = `You judge whether a coding assistant's latest action follows a previously proposed recovery plan.

Respond with only a JSON object:
{"aligned": true|false, "reason": "one short sentence"}`

// AlignmentResult reports whether a step follows the recovery plan.
type AlignmentResult struct {
	Aligned bool   `json:"aligned"`
	Reason  string `json:"reason"`
}

// CheckRecoveryAlignment compares a step against the recovery plan proposed
// on the previous drifted turn. The fallback is aligned: when nothing can be
// judged the session must not stay stuck in drifted mode.
func (c *Client) CheckRecoveryAlignment(ctx context.Context, step string, recovery []string) AlignmentResult {
	fallback := AlignmentResult{Aligned: true, Reason: "helper unavailable"}
	if !c.Available() || len(recovery) == 0 {
		return fallback
	}

	var b strings.Builder
	b.WriteString("Recovery plan:\n")
	for i, r := range recovery {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	fmt.Fprintf(&b, "\nLatest action:\n%s\n", truncate(step, 2000))

	text, err := c.complete(ctx, alignmentSystem, b.String(), 256)
	if err != nil {
		return fallback
	}
	var out AlignmentResult
	if err := decodeObject(text, &out); err != nil {
		return fallback
	}
	return out
}
