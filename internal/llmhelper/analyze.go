package llmhelper

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// decisionShapeRe matches prose stating an explicit choice with its reason
// ("decided to X because Y"). Reasoning of that shape marks the turn's steps
// as key decisions.
var decisionShapeRe = regexp.MustCompile(`(?i)\b(decided|decide|chose|choosing|opted|picked|going with)\b[^.!?\n]*\bbecause\b`)

// IsDecisionReasoning reports whether reasoning text states an explicit
// choice with a reason.
func IsDecisionReasoning(s string) bool {
	return decisionShapeRe.MatchString(s)
}

// DecisionSentence returns the first decision-shaped sentence of text, or "".
func DecisionSentence(text string) string {
	for _, line := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '.' || r == '!' || r == '?'
	}) {
		line = strings.TrimSpace(line)
		if decisionShapeRe.MatchString(line) {
			return line
		}
	}
	return ""
}

// Task types.
const (
	TaskInformation    = "information"
	TaskPlanning       = "planning"
	TaskImplementation = "implementation"
)

// Analysis actions.
const (
	ActionContinue        = "continue"
	ActionNewTask         = "new_task"
	ActionSubtask         = "subtask"
	ActionParallelTask    = "parallel_task"
	ActionTaskComplete    = "task_complete"
	ActionSubtaskComplete = "subtask_complete"
)

// TaskAnalysis is the end-of-turn classification of where the conversation
// stands in the task lifecycle.
type TaskAnalysis struct {
	TaskType      string `json:"task_type"`
	Action        string `json:"action"`
	TaskID        string `json:"task_id"`
	CurrentGoal   string `json:"current_goal"`
	ParentTaskID  string `json:"parent_task_id"`
	Reasoning     string `json:"reasoning"`
	StepReasoning string `json:"step_reasoning"`
}

// AnalyzeInput carries everything the classifier sees.
type AnalyzeInput struct {
	SessionID     string
	SessionGoal   string   // empty when no session exists
	SessionStatus string   // "", "active", "completed"
	UserMessage   string
	RecentSteps   []string // rendered one per line
	AssistantText string
}

const analyzeSystem = `You classify one turn of a coding assistant conversation against its task state.

Rules:
- task_type is one of: information, planning, implementation.
- information turns are self-contained tasks; close them (task_complete) as soon as a substantive answer was produced.
- planning tasks close only on explicit user confirmation.
- implementation tasks close only when the assistant both stops making modifications and signals success.
- Compare the user message to the original goal; a topic change means new_task.
- A narrower piece of the current goal means subtask; independent concurrent work means parallel_task.
- action is one of: continue, new_task, subtask, parallel_task, task_complete, subtask_complete.

Respond with only a JSON object:
{"task_type":"...", "action":"...", "task_id":"", "current_goal":"...",
 "parent_task_id":"", "reasoning":"one sentence",
 "step_reasoning":"the assistant's own stated reasoning for this turn, condensed"}`

// AnalyzeTask classifies the turn. The fallback keeps the current task alive
// (or opens one when none exists) so a helper outage never stalls the
// lifecycle.
func (c *Client) AnalyzeTask(ctx context.Context, in AnalyzeInput) TaskAnalysis {
	fallback := TaskAnalysis{
		TaskType: TaskImplementation,
		Action:   ActionContinue,
		TaskID:   in.SessionID,
		// The heuristic still surfaces an explicit "decided ... because"
		// statement so key decisions survive a helper outage.
		StepReasoning: DecisionSentence(in.AssistantText),
	}
	if in.SessionID == "" {
		fallback.Action = ActionNewTask
		fallback.CurrentGoal = truncate(in.UserMessage, 200)
	}
	if !c.Available() {
		return fallback
	}

	var b strings.Builder
	if in.SessionGoal != "" {
		fmt.Fprintf(&b, "Current task (%s, status %s): %s\n", in.SessionID, in.SessionStatus, in.SessionGoal)
	} else {
		b.WriteString("No current task.\n")
	}
	fmt.Fprintf(&b, "\nLatest user message:\n%s\n", truncate(in.UserMessage, 4000))
	if len(in.RecentSteps) > 0 {
		b.WriteString("\nRecent steps:\n")
		for _, s := range in.RecentSteps {
			b.WriteString("- " + s + "\n")
		}
	}
	fmt.Fprintf(&b, "\nAssistant's final text:\n%s\n", truncate(in.AssistantText, 4000))

	text, err := c.complete(ctx, analyzeSystem, b.String(), 512)
	if err != nil {
		return fallback
	}
	var out TaskAnalysis
	if err := decodeObject(text, &out); err != nil {
		return fallback
	}
	if !validAction(out.Action) || !validTaskType(out.TaskType) {
		return fallback
	}
	if out.TaskID == "" {
		out.TaskID = in.SessionID
	}
	return out
}

func validAction(a string) bool {
	switch a {
	case ActionContinue, ActionNewTask, ActionSubtask, ActionParallelTask,
		ActionTaskComplete, ActionSubtaskComplete:
		return true
	}
	return false
}

func validTaskType(t string) bool {
	switch t {
	case TaskInformation, TaskPlanning, TaskImplementation:
		return true
	}
	return false
}
