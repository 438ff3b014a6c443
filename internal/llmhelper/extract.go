package llmhelper

import (
	"context"
	"fmt"
	"strings"
)

// ExtractionResult is the reasoning trace and decisions distilled from a
// session's step log at task close.
type ExtractionResult struct {
	ReasoningTrace []string
	Decisions      []ExtractedDecision
	Tags           []string
}

// ExtractedDecision pairs a choice with its explicit reason.
type ExtractedDecision struct {
	Choice string `json:"choice"`
	Reason string `json:"reason"`
}

const extractSystem = `You distill a completed coding task's step log into durable team memory.

Respond with only a JSON object:
{"reasoning_trace": ["up to 10 entries; each starts with 'CONCLUSION:' for facts tied to file paths or concrete values, or 'INSIGHT:' for inferences"],
 "decisions": [{"choice": "...", "reason": "..."}],  // up to 5, each with an explicit reason
 "tags": ["3-6 short topical tags"]}`

// ExtractReasoningAndDecisions condenses the grouped step log. The fallback
// derives a minimal trace from the raw steps so promotion always has
// something to write.
func (c *Client) ExtractReasoningAndDecisions(ctx context.Context, goal string, stepLog []string) ExtractionResult {
	if c.Available() {
		var b strings.Builder
		fmt.Fprintf(&b, "Task goal: %s\n\nStep log:\n", goal)
		for _, s := range stepLog {
			b.WriteString("- " + truncate(s, 400) + "\n")
		}
		text, err := c.complete(ctx, extractSystem, truncate(b.String(), 12000), 1024)
		if err == nil {
			var raw map[string]any
			if decodeObject(text, &raw) == nil {
				out := ExtractionResult{
					ReasoningTrace: capPrefixed(stringSlice(raw["reasoning_trace"]), 10),
					Tags:           stringSlice(raw["tags"]),
				}
				if ds, ok := raw["decisions"].([]any); ok {
					for _, d := range ds {
						m, ok := d.(map[string]any)
						if !ok {
							continue
						}
						dec := ExtractedDecision{Choice: strField(m, "choice"), Reason: strField(m, "reason")}
						if dec.Choice == "" || dec.Reason == "" {
							continue
						}
						out.Decisions = append(out.Decisions, dec)
						if len(out.Decisions) == 5 {
							break
						}
					}
				}
				if len(out.ReasoningTrace) > 0 || len(out.Decisions) > 0 {
					return out
				}
			}
		}
	}
	return fallbackExtraction(stepLog)
}

// capPrefixed keeps only correctly prefixed entries, up to n.
func capPrefixed(entries []string, n int) []string {
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e, "CONCLUSION:") || strings.HasPrefix(e, "INSIGHT:") {
			out = append(out, e)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func fallbackExtraction(stepLog []string) ExtractionResult {
	var out ExtractionResult
	for _, s := range stepLog {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out.ReasoningTrace = append(out.ReasoningTrace, "CONCLUSION: "+truncate(s, 200))
		if len(out.ReasoningTrace) == 10 {
			break
		}
	}
	return out
}
