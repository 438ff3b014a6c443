// Package events is the dashboard's contract with the core: a WebSocket feed
// of lifecycle events. The dashboard itself lives elsewhere; nothing here
// renders UI.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event is one feed entry. Types: session_created, step_recorded,
// drift_detected, task_completed, clear_performed.
type Event struct {
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Hub fans events out to connected dashboard clients. Events for a slow
// client are dropped rather than allowed to stall the feed.
type Hub struct {
	allowedOrigins []string
	upgrader       websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]chan Event
}

func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]chan Event),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the WebSocket origin against the whitelist. No
// configured origins means allow all; an empty Origin header (non-browser
// clients) is always allowed.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range h.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("events.origin_rejected", "origin", origin)
	return false
}

// Publish enqueues an event for every connected client. Never blocks.
func (h *Hub) Publish(eventType string, data map[string]any) {
	ev := Event{Type: eventType, Time: time.Now().UTC(), Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slog.Debug("events.client_lagging", "client", id)
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("events.upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
	}()

	// Reader goroutine: drains (and discards) client frames so pings are
	// answered and closure is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
