package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tonystef/grov/internal/inject"
)

const anthropicVersion = "2023-06-01"

var _ Adapter = (*Anthropic)(nil)

// Anthropic adapts the Messages API (/v1/messages).
type Anthropic struct {
	baseURL string
	client  *http.Client
}

// NewAnthropic creates the adapter for the given upstream base URL.
func NewAnthropic(baseURL string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 600 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type AnthropicOption func(*Anthropic)

func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(a *Anthropic) { a.client = c }
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) CanHandle(path string) bool {
	return path == "/v1/messages" || strings.HasPrefix(path, "/v1/messages?")
}

// requestHeaders are the client headers forwarded upstream.
var requestHeaders = []string{
	"content-type",
	"accept",
	"anthropic-version",
	"anthropic-beta",
	"anthropic-dangerous-direct-browser-access",
	"x-api-key",
	"authorization",
	"user-agent",
	"x-app",
}

// Forward posts the raw body upstream. Event-stream responses are consumed in
// full, assembled into a normalized message body, and kept as raw bytes for
// verbatim replay.
func (a *Anthropic) Forward(ctx context.Context, path string, body []byte, header http.Header) (*ForwardResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &ForwardError{Status: http.StatusBadGateway, Err: err}
	}
	for _, k := range requestHeaders {
		if v := header.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", anthropicVersion)
	}
	if req.Header.Get("content-type") == "" {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		return nil, &ForwardError{Status: status, Err: err}
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		raw, assembled, err := a.consumeStream(resp.Body)
		if err != nil {
			return nil, &ForwardError{Status: http.StatusBadGateway, Err: err}
		}
		return &ForwardResult{
			Status:         resp.StatusCode,
			Header:         resp.Header,
			Body:           assembled,
			RawBody:        raw,
			WasEventStream: true,
		}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ForwardError{Status: http.StatusBadGateway, Err: err}
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Malformed body still goes back to the client unchanged;
		// post-processing sees a nil body and skips.
		parsed = nil
	}
	return &ForwardResult{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    parsed,
		RawBody: raw,
	}, nil
}

// FilterHeaders keeps rate-limit, request-id, and retry hints; everything
// else is dropped.
func (a *Anthropic) FilterHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		lk := strings.ToLower(k)
		if lk == "request-id" || lk == "retry-after" || lk == "x-request-id" ||
			strings.HasPrefix(lk, "anthropic-ratelimit-") {
			for _, v := range vs {
				out.Add(k, v)
			}
		}
	}
	return out
}

// Raw-body injection delegates to the byte splicer.

func (a *Anthropic) InjectIntoSystem(raw []byte, text string) ([]byte, bool) {
	return inject.InjectIntoSystem(raw, text)
}

func (a *Anthropic) InjectIntoLastUserMessage(raw []byte, text string) ([]byte, bool) {
	return inject.AppendToLastUserMessage(raw, text)
}

func (a *Anthropic) InjectToolIntoRaw(raw []byte, toolDef []byte) ([]byte, bool) {
	return inject.InjectTool(raw, toolDef)
}

// ErrorEnvelope renders a provider-shaped error body for gateway failures.
func (a *Anthropic) ErrorEnvelope(err error) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": fmt.Sprintf("grov: %v", err),
		},
	})
	return b
}
