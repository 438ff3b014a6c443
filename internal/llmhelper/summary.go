package llmhelper

import (
	"context"
	"fmt"
	"strings"
)

const summarySystem = `You write the handover summary used to reset a long coding conversation.
It must let the assistant continue seamlessly with no other history.

Write plain text with these sections, nothing else:
ORIGINAL GOAL: ...
PROGRESS: ...
KEY DECISIONS: ...
FILES MODIFIED: ...
CURRENT STATE: ...
NEXT STEPS: ...`

// SummaryInput is everything the pre-emptive summary covers.
type SummaryInput struct {
	Goal      string
	Steps     []string
	Decisions []string
	Files     []string
	History   []string // recent conversation turns, rendered "role: text"
}

// Summarize produces the CLEAR summary. Empty result means no summary could
// be computed; the caller keeps waiting rather than resetting with nothing.
func (c *Client) Summarize(ctx context.Context, in SummaryInput) string {
	if !c.Available() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Original goal: %s\n", in.Goal)
	if len(in.Files) > 0 {
		fmt.Fprintf(&b, "Files modified: %s\n", strings.Join(in.Files, ", "))
	}
	if len(in.Decisions) > 0 {
		b.WriteString("Key decisions:\n")
		for _, d := range in.Decisions {
			b.WriteString("- " + d + "\n")
		}
	}
	if len(in.Steps) > 0 {
		b.WriteString("Steps so far:\n")
		for _, s := range in.Steps {
			b.WriteString("- " + truncate(s, 300) + "\n")
		}
	}
	if len(in.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, h := range in.History {
			b.WriteString(truncate(h, 500) + "\n")
		}
	}

	text, err := c.complete(ctx, summarySystem, truncate(b.String(), 16000), 2048)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
