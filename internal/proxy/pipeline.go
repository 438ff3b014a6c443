package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tonystef/grov/internal/adapter"
	"github.com/tonystef/grov/internal/logging"
	"github.com/tonystef/grov/internal/orchestrator"
	"github.com/tonystef/grov/internal/store"
)

// Request classification.
type requestKind int

const (
	kindFirst requestKind = iota
	kindContinuation
	kindRetry
)

func (k requestKind) String() string {
	switch k {
	case kindContinuation:
		return "continuation"
	case kindRetry:
		return "retry"
	default:
		return "first"
	}
}

// classify compares the current message count to the last observed count:
// equal means retry, increased with a trailing tool result means
// continuation, anything else is a first-type request. Caller holds st.mu.
func classify(st *sessionState, count int, lastIsToolResult bool) requestKind {
	switch {
	case count > 0 && count == st.lastMessageCount:
		return kindRetry
	case count > st.lastMessageCount && lastIsToolResult:
		return kindContinuation
	default:
		return kindFirst
	}
}

// isSubAgentModel matches the small models the host client uses for its own
// auxiliary calls; those requests bypass injection and orchestration.
func isSubAgentModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "haiku") || strings.Contains(m, "mini")
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("request handler panicked", "panic", rec)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}()

	start := time.Now()
	reqID := uuid.NewString()[:8]
	ctx, span := s.tracer.Start(r.Context(), "proxy.request")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.Proxy.BodyLimit))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	defer r.Body.Close()

	ad := adapter.Select(s.adapters, r.URL.Path)
	if ad == nil {
		http.NotFound(w, r)
		return
	}

	model := s.anthro.Model(body)
	span.SetAttributes(attribute.String("model", model))
	s.debugLog.Write(logging.EntryRequest, reqID, map[string]any{
		"model": model, "bytes": len(body), "path": r.URL.Path,
	})

	// Sub-agent bypass: the client's own small-model calls pass through
	// untouched, non-streaming, with no learning.
	if isSubAgentModel(model) {
		s.forwardAndReply(ctx, w, reqID, ad, r.URL.Path, s.anthro.StripStream(body), r.Header, start, false)
		return
	}

	project := s.anthro.ExtractProjectPath(body)
	if project == "" {
		project = "default"
	}
	history := s.anthro.ExtractConversationHistory(body)
	lastUser := lastUserText(history)
	warmup := orchestrator.IsWarmup(lastUser)

	sess, err := s.orch.Resolve(ctx, project)
	if err != nil {
		slog.Warn("session resolve failed", "project", project, "error", err)
	}

	st := s.states.get(project)
	st.mu.Lock()
	if sess != nil {
		st.bindSession(sess.ID)
	}
	msgCount := s.anthro.MessageCount(body)
	kind := classify(st, msgCount, s.anthro.LastMessageIsToolResult(body))
	if kind != kindRetry {
		st.lastMessageCount = msgCount
	}
	st.mu.Unlock()
	span.SetAttributes(attribute.String("request.kind", kind.String()))

	outgoing := body
	cleared := false
	if !warmup {
		outgoing, cleared = s.maybeClear(ctx, reqID, sess, st, outgoing)
		if !cleared {
			outgoing = s.injectBlocks(ctx, reqID, project, sess, st, kind, history, outgoing)
		}
	}

	fwd := s.forwardAndReply(ctx, w, reqID, ad, r.URL.Path, outgoing, r.Header, start, s.anthro.IsStream(body))
	if fwd == nil || warmup {
		return
	}
	// A retry carries no new model output: re-learning it would duplicate
	// steps and burn another helper call.
	if kind == kindRetry {
		return
	}

	// Respond first, learn later: everything below runs detached from the
	// request so a slow helper never stalls the client into retrying.
	respBody := fwd.Body
	s.dispatch(func() {
		s.postProcess(project, st, respBody, history)
	})
}

// lastUserText returns the trailing user turn's text.
func lastUserText(history []adapter.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Text
		}
	}
	return ""
}

func firstUserText(history []adapter.Turn) string {
	for _, t := range history {
		if t.Role == "user" && strings.TrimSpace(t.Text) != "" {
			return t.Text
		}
	}
	return ""
}

// maybeClear performs the atomic conversation reset when the previous turn's
// context size crossed the clear threshold and a summary is ready.
func (s *Server) maybeClear(ctx context.Context, reqID string, sess *store.Session, st *sessionState, body []byte) ([]byte, bool) {
	if sess == nil || sess.ClearSummary == "" || sess.TokenCount < s.cfg.ClearThreshold() {
		return body, false
	}

	out, err := s.anthro.ReplaceMessagesWithSummary(body, sess.ClearSummary)
	if err != nil {
		slog.Warn("clear mutation failed", "session", sess.ID, "error", err)
		return body, false
	}

	// The system region changed: the memoized injection is void.
	st.mu.Lock()
	st.evictStatic()
	st.mu.Unlock()

	// Consume the summary and mark the session cleared.
	empty := ""
	now := time.Now().UTC()
	if err := s.store.UpdateSession(ctx, sess.ID, store.SessionPatch{
		ClearSummary: &empty,
		ClearedAt:    &now,
	}); err != nil {
		slog.Warn("clear bookkeeping failed", "session", sess.ID, "error", err)
	}
	if s.hub != nil {
		s.hub.Publish("clear_performed", map[string]any{"session": sess.ID, "project": sess.ProjectPath})
	}
	s.debugLog.Write(logging.EntryInjection, reqID, map[string]any{
		"kind": "clear", "session": sess.ID,
	})
	slog.Info("conversation cleared", "session", sess.ID, "tokens", sess.TokenCount)
	return out, true
}
