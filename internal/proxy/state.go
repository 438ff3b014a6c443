package proxy

import (
	"sync"

	"github.com/tonystef/grov/internal/contextbuild"
)

// sessionState is the per-project runtime state the proxy keeps between
// requests: the memoized static injection, the delta tracking record, the
// last observed message count, and the drift-check cadence counter. One
// project has at most one active session, so keying by project path is
// equivalent to keying by session while also covering the window before a
// session exists.
type sessionState struct {
	mu sync.Mutex

	// sessionID the cached fields belong to. When the active session
	// changes the caches are rebuilt.
	sessionID string

	// staticInjection is immutable for the session's lifetime: overwriting
	// it would change the system-region bytes and void the upstream prompt
	// cache. Set once, then read-only until the session ends or CLEAR.
	staticInjection    string
	staticInjectionSet bool

	tracking *contextbuild.Tracking

	// lastDynamic is replayed verbatim on retries so the outgoing bytes
	// stay identical across attempts.
	lastDynamic      string
	lastMessageCount int

	endTurns        int  // end-of-turns seen, drives the drift cadence
	summaryInFlight bool // a background summary computation is running

	// turnMu serializes end-of-turn post-processing for the session so
	// task-state transitions stay monotonic.
	turnMu sync.Mutex
}

// bindSession points the state at a session, resetting caches when the
// session changed.
func (st *sessionState) bindSession(sessionID string) {
	if st.sessionID == sessionID {
		return
	}
	st.sessionID = sessionID
	st.staticInjection = ""
	st.staticInjectionSet = false
	st.tracking = contextbuild.NewTracking()
	st.lastDynamic = ""
	st.endTurns = 0
	st.summaryInFlight = false
}

// evictStatic drops the memoized injection (CLEAR or session close); the
// next injected request recomputes it.
func (st *sessionState) evictStatic() {
	st.staticInjection = ""
	st.staticInjectionSet = false
	st.tracking = contextbuild.NewTracking()
	st.lastDynamic = ""
}

// stateRegistry hands out per-project state, creating it on first use.
type stateRegistry struct {
	mu sync.Mutex
	m  map[string]*sessionState
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{m: make(map[string]*sessionState)}
}

func (r *stateRegistry) get(project string) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[project]
	if !ok {
		st = &sessionState{tracking: contextbuild.NewTracking()}
		r.m[project] = st
	}
	return st
}
