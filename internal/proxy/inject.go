package proxy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tonystef/grov/internal/adapter"
	"github.com/tonystef/grov/internal/contextbuild"
	"github.com/tonystef/grov/internal/logging"
	"github.com/tonystef/grov/internal/store"
)

// injectBlocks applies the static team-memory block (every request type; it
// is byte-identical so retries stay safe) and the dynamic delta (first-type
// requests only). Injection failures degrade to sending the request as-is.
func (s *Server) injectBlocks(ctx context.Context, reqID, project string, sess *store.Session, st *sessionState, kind requestKind, history []adapter.Turn, body []byte) []byte {
	static := s.staticBlock(ctx, project, sess, st, history)
	out := body
	if static != "" {
		injected, ok := s.anthro.InjectIntoSystem(out, static)
		if !ok {
			slog.Debug("static injection skipped: no system region", "req", reqID)
		} else {
			out = injected
			s.debugLog.Write(logging.EntryInjection, reqID, map[string]any{
				"kind": "static", "bytes": len(static),
			})
		}
	}

	if sess == nil {
		return out
	}

	var delta string
	switch kind {
	case kindFirst:
		delta = s.builder.BuildDynamic(ctx, sess, currentTracking(st))
		st.mu.Lock()
		st.lastDynamic = delta
		st.mu.Unlock()
		if sess.PendingCorrection != "" || sess.PendingForced != "" {
			// Consumed: a correction is delivered once, not every turn.
			empty := ""
			if err := s.store.UpdateSession(ctx, sess.ID, store.SessionPatch{
				PendingCorrection: &empty,
				PendingForced:     &empty,
			}); err != nil {
				slog.Warn("pending-text consume failed", "session", sess.ID, "error", err)
			}
		}
	case kindRetry:
		// Replay the previous delta verbatim so retry bytes match.
		st.mu.Lock()
		delta = st.lastDynamic
		st.mu.Unlock()
	}
	if delta == "" {
		return out
	}

	injected, ok := s.anthro.InjectIntoLastUserMessage(out, delta)
	if !ok {
		slog.Debug("dynamic injection skipped: no user message", "req", reqID)
		return out
	}
	s.debugLog.Write(logging.EntryInjection, reqID, map[string]any{
		"kind": "dynamic", "bytes": len(delta),
	})
	return injected
}

// staticBlock returns the memoized team-memory block, computing it on the
// session's first request. The memoized string is immutable for the
// session's lifetime; recomputing it would change the system prefix and
// void the upstream prompt cache.
func (s *Server) staticBlock(ctx context.Context, project string, sess *store.Session, st *sessionState, history []adapter.Turn) string {
	st.mu.Lock()
	if st.staticInjectionSet {
		block := st.staticInjection
		st.mu.Unlock()
		return block
	}
	st.mu.Unlock()

	var text strings.Builder
	for _, t := range history {
		if t.Role == "user" {
			text.WriteString(t.Text)
			text.WriteString("\n")
		}
	}
	mentioned := contextbuild.ExtractMentionedFiles(text.String())

	exclude := ""
	var keywords []string
	if sess != nil {
		keywords = sess.Keywords
		// Only an active (reactivated) session excludes its own promoted
		// record; a completed candidate is genuinely past work.
		if sess.Status == store.StatusActive {
			exclude = sess.ID
		}
	}
	block := s.builder.BuildStatic(ctx, project, exclude, mentioned, keywords)

	st.mu.Lock()
	if !st.staticInjectionSet {
		st.staticInjection = block
		st.staticInjectionSet = true
	} else {
		block = st.staticInjection
	}
	st.mu.Unlock()
	return block
}

func currentTracking(st *sessionState) *contextbuild.Tracking {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tracking
}
