package store

import "time"

// Task kinds.
const (
	KindMain     = "main"
	KindSubtask  = "subtask"
	KindParallel = "parallel"
)

// Session status.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session modes.
const (
	ModeNormal  = "normal"
	ModeDrifted = "drifted"
	ModeForced  = "forced"
)

// Session represents one user goal in one project.
type Session struct {
	ID            string
	ProjectPath   string
	Goal          string
	ExpectedScope []string
	Constraints   []string
	Keywords      []string
	Kind          string
	ParentID      string // empty for main tasks
	Status        string
	Mode          string
	Escalation    int
	WaitingRecovery bool
	LastChecked   time.Time
	TokenCount    int // latest actual upstream context size, re-set per turn
	PendingCorrection string
	PendingForced     string
	ClearSummary      string
	ClearedAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SessionPatch carries the mutable fields of UpdateSession. Nil pointers are
// left untouched.
type SessionPatch struct {
	Goal            *string
	ExpectedScope   *[]string
	Constraints     *[]string
	Keywords        *[]string
	Status          *string
	Mode            *string
	Escalation      *int
	WaitingRecovery *bool
	LastChecked     *time.Time
	TokenCount      *int
	PendingCorrection *string
	PendingForced     *string
	ClearSummary      *string
	ClearedAt       *time.Time
}

// Step action kinds, the normalized sum over modifying actions.
const (
	ActionRead       = "read"
	ActionEdit       = "edit"
	ActionWrite      = "write"
	ActionRunCommand = "run_command"
	ActionSearch     = "search"
	ActionOther      = "other"
)

// Step is one record per modifying action the model performed.
type Step struct {
	ID          int64
	SessionID   string
	Kind        string
	Files       []string
	Folders     []string
	Command     string
	Reasoning   string
	DriftScore  int
	Validated   bool
	KeyDecision bool
	Raw         []byte // adapter-private payload, audit only
	CreatedAt   time.Time
}

// DriftEvent is the audit record for an action logged under high drift.
type DriftEvent struct {
	ID          int64
	SessionID   string
	ActionShape string
	Score       int
	Diagnostic  string
	Recovery    []string
	CreatedAt   time.Time
}

// Decision pairs a choice with the reason it was made.
type Decision struct {
	Choice string `json:"choice"`
	Reason string `json:"reason"`
}

// TeamMemoryEntry is a durable record promoted from a completed session.
type TeamMemoryEntry struct {
	ID             int64
	SessionID      string
	ProjectPath    string
	OriginalQuery  string
	Goal           string
	ReasoningTrace []string // "CONCLUSION:" / "INSIGHT:" prefixed
	Decisions      []Decision
	Files          []string
	Tags           []string
	Status         string
	CreatedAt      time.Time
}

// TeamMemoryFilter narrows SearchTeamMemory. Zero values match everything.
type TeamMemoryFilter struct {
	Status   string
	Files    []string // match entries touching any of these files
	Keywords []string // match entries whose query/goal/tags contain any keyword
}

// FileReasoning holds per-file conclusions accumulated across sessions.
type FileReasoning struct {
	ID          int64
	ProjectPath string
	FilePath    string
	Entries     []string
	UpdatedAt   time.Time
}

// Extraction is the reasoning-and-decisions result promoted alongside a
// session at task close.
type Extraction struct {
	ReasoningTrace []string
	Decisions      []Decision
	Tags           []string
}
