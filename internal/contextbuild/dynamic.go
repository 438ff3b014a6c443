package contextbuild

import (
	"context"
	"fmt"
	"hash/fnv"
	"path"
	"strings"
	"sync"

	"github.com/tonystef/grov/internal/store"
)

const (
	maxDecisionsPerTurn = 3
	maxReasoningChars   = 300
)

// Tracking records what has already been injected for a session so every
// dynamic block carries only the delta. Guarded for concurrent turns.
type Tracking struct {
	mu      sync.Mutex
	files   map[string]bool
	stepIDs map[int64]bool
	hashes  map[uint64]bool
}

func NewTracking() *Tracking {
	return &Tracking{
		files:   make(map[string]bool),
		stepIDs: make(map[int64]bool),
		hashes:  make(map[uint64]bool),
	}
}

func reasoningHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// BuildDynamic assembles the delta block for a first-type request: newly
// edited files, newly produced key decisions, and any pending correction or
// forced-recovery text. Content already tracked is suppressed.
func (b *Builder) BuildDynamic(ctx context.Context, sess *store.Session, tr *Tracking) string {
	var parts []string

	edited, err := b.store.EditedFiles(ctx, sess.ID)
	if err == nil && len(edited) > 0 {
		tr.mu.Lock()
		var fresh []string
		for _, f := range edited {
			if !tr.files[f] {
				tr.files[f] = true
				fresh = append(fresh, path.Base(f))
			}
		}
		tr.mu.Unlock()
		for _, f := range fresh {
			parts = append(parts, fmt.Sprintf("[EDITED: %s]", f))
		}
	}

	decisions, err := b.store.KeyDecisions(ctx, sess.ID, 10)
	if err == nil {
		tr.mu.Lock()
		added := 0
		for _, st := range decisions {
			if added == maxDecisionsPerTurn {
				break
			}
			if tr.stepIDs[st.ID] {
				continue
			}
			h := reasoningHash(st.Reasoning)
			if st.Reasoning != "" && tr.hashes[h] {
				continue
			}
			tr.stepIDs[st.ID] = true
			if st.Reasoning != "" {
				tr.hashes[h] = true
			}
			text := st.Reasoning
			if text == "" {
				text = strings.Join(st.Files, ", ")
			}
			parts = append(parts, fmt.Sprintf("[DECISION: %s]", truncate(text, maxReasoningChars)))
			added++
		}
		tr.mu.Unlock()
	}

	if sess.PendingCorrection != "" {
		parts = append(parts, fmt.Sprintf("[DRIFT: %s]", sess.PendingCorrection))
	}
	if sess.PendingForced != "" {
		parts = append(parts, fmt.Sprintf("[FORCED RECOVERY: %s]", sess.PendingForced))
	}

	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}
