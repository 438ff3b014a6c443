// Package logging provides the two sinks: the always-on compact per-request
// console line, and a structured JSON file log enabled by --debug.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RequestLine prints the compact console summary for one proxied request:
// [reqId] <cache%> | in:X out:Y | create:C read:R | <ms>
func RequestLine(reqID string, in, out, cacheCreation, cacheRead int, elapsed time.Duration) {
	total := in + cacheCreation + cacheRead
	pct := 0
	if total > 0 {
		pct = cacheRead * 100 / total
	}
	fmt.Printf("[%s] %d%% | in:%d out:%d | create:%d read:%d | %dms\n",
		reqID, pct, in, out, cacheCreation, cacheRead, elapsed.Milliseconds())
}

// Debug entry kinds.
const (
	EntryRequest   = "REQUEST"
	EntryResponse  = "RESPONSE"
	EntryInjection = "INJECTION"
)

// DebugLog appends JSON entries to a file when enabled; a nil or disabled
// DebugLog swallows everything.
type DebugLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenDebugLog opens (appending) the debug log under dir. Returns nil when
// enabled is false; callers may use the result unconditionally.
func OpenDebugLog(dir string, enabled bool) (*DebugLog, error) {
	if !enabled {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "grov-debug.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &DebugLog{file: f, enc: json.NewEncoder(f)}, nil
}

type debugEntry struct {
	Kind  string         `json:"kind"`
	Time  time.Time      `json:"time"`
	ReqID string         `json:"req_id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Write appends one entry. Safe on a nil receiver.
func (d *DebugLog) Write(kind, reqID string, data map[string]any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.enc.Encode(debugEntry{Kind: kind, Time: time.Now().UTC(), ReqID: reqID, Data: data})
}

// Close closes the underlying file. Safe on a nil receiver.
func (d *DebugLog) Close() error {
	if d == nil {
		return nil
	}
	return d.file.Close()
}
