// Package proxy is the HTTP front-end: it classifies each request, injects
// team memory without breaking the upstream prompt cache, forwards, streams
// the response back, and dispatches all learning work to the background.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tonystef/grov/internal/adapter"
	"github.com/tonystef/grov/internal/config"
	"github.com/tonystef/grov/internal/contextbuild"
	"github.com/tonystef/grov/internal/drift"
	"github.com/tonystef/grov/internal/events"
	"github.com/tonystef/grov/internal/llmhelper"
	"github.com/tonystef/grov/internal/logging"
	"github.com/tonystef/grov/internal/orchestrator"
	"github.com/tonystef/grov/internal/store"
)

// workerPoolSize bounds concurrent background jobs.
const workerPoolSize = 8

// Server wires every component behind the listening surface. All formerly
// global state (message counts, drift results, cached injections) lives on
// this one value.
type Server struct {
	cfg      *config.Config
	adapters []adapter.Adapter
	anthro   *adapter.Anthropic
	store    *store.Store
	orch     *orchestrator.Orchestrator
	checker  *drift.Checker
	builder  *contextbuild.Builder
	helper   *llmhelper.Client
	hub      *events.Hub
	debugLog *logging.DebugLog
	tracer   trace.Tracer

	states *stateRegistry

	jobs   chan func()
	wg     sync.WaitGroup
	cancel context.CancelFunc

	httpServer *http.Server
	mux        *http.ServeMux
}

// Options carries the dependencies wired together at startup.
type Options struct {
	Config   *config.Config
	Store    *store.Store
	Helper   *llmhelper.Client
	Hub      *events.Hub
	DebugLog *logging.DebugLog
	Tracer   trace.Tracer
}

// NewServer assembles the proxy.
func NewServer(opts Options) *Server {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("grov")
	}
	anthro := adapter.NewAnthropic(opts.Config.Upstream.BaseURL,
		adapter.WithHTTPClient(&http.Client{
			Timeout: time.Duration(opts.Config.Proxy.ClientTimeout) * time.Second,
		}))

	s := &Server{
		cfg:      opts.Config,
		adapters: []adapter.Adapter{anthro},
		anthro:   anthro,
		store:    opts.Store,
		helper:   opts.Helper,
		hub:      opts.Hub,
		debugLog: opts.DebugLog,
		tracer:   tracer,
		states:   newStateRegistry(),
		jobs:     make(chan func(), 256),
	}
	s.checker = drift.NewChecker(opts.Helper)
	s.builder = contextbuild.NewBuilder(opts.Store)
	var notifier orchestrator.Notifier
	if opts.Hub != nil {
		notifier = opts.Hub
	}
	s.orch = orchestrator.New(opts.Store, opts.Helper, notifier, opts.Config.Retention)
	return s
}

// BuildMux registers all routes.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/messages", s.handleMessages)

	// Dashboard contract: read-only JSON plus the event feed, CORS-wrapped
	// so the external dashboard may live on another origin.
	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet},
	})
	mux.Handle("GET /v1/sessions", c.Handler(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /v1/sessions/{id}/steps", c.Handler(http.HandlerFunc(s.handleSessionSteps)))
	if s.hub != nil {
		mux.Handle("GET /v1/events", s.hub)
	}

	s.mux = mux
	return mux
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.Events.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.Events.AllowedOrigins
}

// Start runs the worker pool and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < workerPoolSize; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-s.jobs:
					runJob(job)
				}
			}
		}()
	}

	addr := net.JoinHostPort(s.cfg.Proxy.Host, fmt.Sprintf("%d", s.cfg.Proxy.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	slog.Info("grov proxy listening", "addr", addr, "upstream", s.cfg.Upstream.BaseURL)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		s.wg.Wait()
		return nil
	case err := <-errCh:
		cancel()
		s.wg.Wait()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// dispatch queues a background job. Jobs are fire-and-forget: they run to
// completion even after the client disconnected, and a full queue falls back
// to a fresh goroutine rather than blocking the response path.
func (s *Server) dispatch(job func()) {
	select {
	case s.jobs <- job:
	default:
		go runJob(job)
	}
}

// runJob contains panics; a background failure must never crash the server.
func runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background job panicked", "panic", r)
		}
	}()
	job()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("project"), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list sessions"})
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]any{
			"id":          sess.ID,
			"project":     sess.ProjectPath,
			"goal":        sess.Goal,
			"kind":        sess.Kind,
			"status":      sess.Status,
			"mode":        sess.Mode,
			"token_count": sess.TokenCount,
			"updated_at":  sess.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSessionSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.RecentSteps(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list steps"})
		return
	}
	out := make([]map[string]any, 0, len(steps))
	for _, st := range steps {
		out = append(out, map[string]any{
			"id":           st.ID,
			"kind":         st.Kind,
			"files":        st.Files,
			"command":      st.Command,
			"reasoning":    st.Reasoning,
			"drift_score":  st.DriftScore,
			"validated":    st.Validated,
			"key_decision": st.KeyDecision,
			"created_at":   st.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
