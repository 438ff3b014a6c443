// Package contextbuild assembles the two injection strings: the static,
// cacheable team-memory block placed in the system region, and the dynamic
// per-turn delta appended to the last user message.
package contextbuild

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/tonystef/grov/internal/store"
)

const (
	staticHeader = "[GROV CONTEXT]"
	staticFooter = "[END GROV CONTEXT]"

	maxFileReasoning = 5
	maxPastTasks     = 5
)

// Builder reads team memory and produces injection blocks.
type Builder struct {
	store *store.Store
}

func NewBuilder(s *store.Store) *Builder {
	return &Builder{store: s}
}

var mentionedFileRe = regexp.MustCompile(`[\w./-]+\.[A-Za-z]{1,6}\b`)

// ExtractMentionedFiles pulls file-like tokens out of conversation text.
func ExtractMentionedFiles(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tok := range mentionedFileRe.FindAllString(text, 20) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// BuildStatic computes the team-memory block for a session. Entries come
// only from past sessions; excludeSessionID keeps the session's own promoted
// record out when it was reactivated. The result is stable for identical
// store state, so the caller may memoize it for the session's lifetime and
// lean on the provider's prompt cache.
func (b *Builder) BuildStatic(ctx context.Context, project, excludeSessionID string, mentionedFiles, keywords []string) string {
	var sections []string

	if fr := b.fileReasoningSection(ctx, project, mentionedFiles); fr != "" {
		sections = append(sections, fr)
	}
	if pt := b.pastTasksSection(ctx, project, excludeSessionID, mentionedFiles, keywords); pt != "" {
		sections = append(sections, pt)
	}

	var out strings.Builder
	out.WriteString(staticHeader)
	out.WriteString("\nKnowledge from past work in this project. Use it; do not repeat it back.\n")
	if len(sections) == 0 {
		out.WriteString("\nNo prior team memory recorded for this project.\n")
	}
	for _, s := range sections {
		out.WriteString("\n")
		out.WriteString(s)
		out.WriteString("\n")
	}
	out.WriteString(staticFooter)
	return out.String()
}

func (b *Builder) fileReasoningSection(ctx context.Context, project string, files []string) string {
	if len(files) == 0 {
		return ""
	}
	var lines []string
	seen := map[string]bool{}
	for _, f := range files {
		frs, err := b.store.FileReasoningByPattern(ctx, project, path.Base(f))
		if err != nil {
			continue
		}
		for _, fr := range frs {
			for _, entry := range fr.Entries {
				if seen[entry] {
					continue
				}
				seen[entry] = true
				lines = append(lines, fmt.Sprintf("- %s: %s", fr.FilePath, entry))
				if len(lines) == maxFileReasoning {
					return "File notes:\n" + strings.Join(lines, "\n")
				}
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "File notes:\n" + strings.Join(lines, "\n")
}

func (b *Builder) pastTasksSection(ctx context.Context, project, excludeSessionID string, files, keywords []string) string {
	entries, err := b.store.SearchTeamMemory(ctx, project, store.TeamMemoryFilter{Status: store.StatusCompleted})
	if err != nil || len(entries) == 0 {
		return ""
	}

	// Rank: file overlap first, then keyword overlap; dedup by session.
	type ranked struct {
		entry *store.TeamMemoryEntry
		score int
	}
	var picked []ranked
	seen := map[string]bool{}
	add := func(e *store.TeamMemoryEntry, score int) {
		if e.SessionID == excludeSessionID || seen[e.SessionID] {
			return
		}
		seen[e.SessionID] = true
		picked = append(picked, ranked{e, score})
	}
	for _, e := range entries {
		if overlapCount(e.Files, files) > 0 {
			add(e, 2)
		}
	}
	for _, e := range entries {
		if matchesAnyKeyword(e, keywords) {
			add(e, 1)
		}
	}
	// Fill with the most recent entries when nothing matched.
	if len(picked) == 0 {
		for _, e := range entries {
			add(e, 0)
			if len(picked) == 2 {
				break
			}
		}
	}
	if len(picked) > maxPastTasks {
		picked = picked[:maxPastTasks]
	}
	if len(picked) == 0 {
		return ""
	}

	var out strings.Builder
	out.WriteString("Related past tasks:\n")
	for _, r := range picked {
		e := r.entry
		fmt.Fprintf(&out, "- %s", e.Goal)
		if len(e.Files) > 0 {
			fmt.Fprintf(&out, " (files: %s)", strings.Join(baseNames(e.Files), ", "))
		}
		out.WriteString("\n")
		for _, tr := range capSlice(e.ReasoningTrace, 3) {
			out.WriteString("    " + tr + "\n")
		}
		for _, d := range e.Decisions {
			fmt.Fprintf(&out, "    DECISION: %s (%s)\n", d.Choice, d.Reason)
		}
	}
	return strings.TrimRight(out.String(), "\n")
}

func overlapCount(a, b []string) int {
	set := map[string]bool{}
	for _, x := range a {
		set[x] = true
		set[path.Base(x)] = true
	}
	n := 0
	for _, y := range b {
		if set[y] || set[path.Base(y)] {
			n++
		}
	}
	return n
}

func matchesAnyKeyword(e *store.TeamMemoryEntry, keywords []string) bool {
	hay := strings.ToLower(e.Goal + " " + e.OriginalQuery + " " + strings.Join(e.Tags, " "))
	for _, kw := range keywords {
		if kw != "" && strings.Contains(hay, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func baseNames(files []string) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = path.Base(f)
	}
	return out
}

func capSlice(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
