// Package adapter isolates vendor wire formats from the proxy core. Each
// adapter knows how to parse one provider's requests, forward them upstream,
// and normalize the response for post-processing.
package adapter

import (
	"context"
	"fmt"
	"net/http"
)

// Action is the normalized shape of one tool invocation the model performed.
type Action struct {
	Kind    string   // read, edit, write, run_command, search, other
	Tool    string   // vendor tool name, e.g. "Edit"
	Files   []string
	Folders []string
	Command string
	Raw     []byte // adapter-private payload, retained for audit only
}

// Usage is the token accounting of one upstream response.
type Usage struct {
	Input         int
	Output        int
	CacheCreation int
	CacheRead     int
}

// ContextSize is the actual upstream context occupancy for the turn.
func (u Usage) ContextSize() int {
	return u.CacheCreation + u.CacheRead
}

// Turn is one {role, text} element of the conversation history.
type Turn struct {
	Role string
	Text string
}

// ForwardResult is the upstream response in both raw and parsed form.
type ForwardResult struct {
	Status         int
	Header         http.Header
	Body           map[string]any // normalized JSON body (assembled for streams)
	RawBody        []byte         // exact bytes to replay to the client
	WasEventStream bool
}

// ForwardError is a network-level failure talking to the upstream, carrying
// the gateway status the client should see.
type ForwardError struct {
	Status int // 502 or 504
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("upstream forward failed (%d): %v", e.Status, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Adapter is the per-vendor plug used by the proxy server.
type Adapter interface {
	// Name identifies the adapter ("anthropic").
	Name() string

	// CanHandle reports whether this adapter serves the request path.
	CanHandle(path string) bool

	// Forward sends the raw body upstream and returns the response. Event
	// streams are consumed in full; the raw bytes are preserved for replay.
	Forward(ctx context.Context, path string, body []byte, header http.Header) (*ForwardResult, error)

	// Request-side extraction over the raw body.
	ExtractProjectPath(body []byte) string
	ExtractGoal(body []byte) string
	ExtractConversationHistory(body []byte) []Turn
	MessageCount(body []byte) int
	Model(body []byte) string
	IsStream(body []byte) bool
	LastMessageIsToolResult(body []byte) bool

	// Response-side extraction over the normalized body.
	IsValidResponse(body map[string]any) bool
	IsEndTurn(body map[string]any) bool
	ParseActions(body map[string]any) []Action
	ExtractTextContent(body map[string]any) string
	ExtractTokenUsage(body map[string]any) Usage

	// Raw-body injection, cache-preserving.
	InjectIntoSystem(raw []byte, text string) ([]byte, bool)
	InjectIntoLastUserMessage(raw []byte, text string) ([]byte, bool)
	InjectToolIntoRaw(raw []byte, toolDef []byte) ([]byte, bool)

	// Logical-body helpers for non-cache paths.
	InjectMemory(body []byte, text string) ([]byte, error)
	InjectDelta(body []byte, text string) ([]byte, error)
	BuildContinueBody(body []byte, assistantContent, toolResult, toolID string) ([]byte, error)
	ReplaceMessagesWithSummary(raw []byte, summary string) ([]byte, error)

	// FilterHeaders keeps only headers safe to pass through.
	FilterHeaders(h http.Header) http.Header
}

// Select returns the first adapter claiming the path, or nil.
func Select(adapters []Adapter, path string) Adapter {
	for _, a := range adapters {
		if a.CanHandle(path) {
			return a
		}
	}
	return nil
}
