package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonystef/grov/internal/adapter"
	"github.com/tonystef/grov/internal/logging"
)

// forwardAndReply sends the outgoing bytes upstream and replies to the
// client: raw SSE replay for event streams, the JSON body otherwise. Returns
// nil when the forward failed and nothing remains to post-process.
func (s *Server) forwardAndReply(ctx context.Context, w http.ResponseWriter, reqID string, ad adapter.Adapter, path string, body []byte, header http.Header, start time.Time, clientWantsStream bool) *adapter.ForwardResult {
	fwd, err := ad.Forward(ctx, path, body, header)
	if err != nil {
		var fe *adapter.ForwardError
		status := http.StatusBadGateway
		if errors.As(err, &fe) {
			status = fe.Status
		}
		slog.Warn("upstream forward failed", "req", reqID, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(s.anthro.ErrorEnvelope(err))
		return nil
	}

	for k, vs := range ad.FilterHeaders(fwd.Header) {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	if fwd.WasEventStream && clientWantsStream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(fwd.Status)
		w.Write(fwd.RawBody)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fwd.Status)
		if fwd.WasEventStream {
			// Client asked for JSON but upstream streamed: return the
			// assembled body.
			writeAssembled(w, fwd)
		} else {
			w.Write(fwd.RawBody)
		}
	}

	usage := s.anthro.ExtractTokenUsage(fwd.Body)
	logging.RequestLine(reqID, usage.Input, usage.Output, usage.CacheCreation, usage.CacheRead, time.Since(start))
	s.debugLog.Write(logging.EntryResponse, reqID, map[string]any{
		"status": fwd.Status,
		"stream": fwd.WasEventStream,
		"usage": map[string]int{
			"input": usage.Input, "output": usage.Output,
			"cache_creation": usage.CacheCreation, "cache_read": usage.CacheRead,
		},
	})
	return fwd
}

// writeAssembled renders the normalized body when the client wanted JSON but
// the upstream streamed.
func writeAssembled(w http.ResponseWriter, fwd *adapter.ForwardResult) {
	if fwd.Body == nil {
		w.Write(fwd.RawBody)
		return
	}
	if err := json.NewEncoder(w).Encode(fwd.Body); err != nil {
		slog.Debug("assembled body encode failed", "error", err)
	}
}
