package adapter

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Logical-body helpers. These re-serialize the regions they touch, so they
// are only used on paths where the prompt cache is already forfeit (CLEAR,
// helper-driven continuations), never on the hot injection path.

// InjectMemory places text as an extra system block, creating the system
// array when absent.
func (a *Anthropic) InjectMemory(body []byte, text string) ([]byte, error) {
	if text == "" {
		return body, nil
	}
	block := map[string]any{"type": "text", "text": text}
	sys := gjson.GetBytes(body, "system")
	switch {
	case !sys.Exists():
		return sjson.SetBytes(body, "system", []any{block})
	case sys.Type == gjson.String:
		return sjson.SetBytes(body, "system", []any{
			map[string]any{"type": "text", "text": sys.String()},
			block,
		})
	case sys.IsArray():
		return sjson.SetBytes(body, "system.-1", block)
	}
	return body, fmt.Errorf("inject memory: unexpected system shape")
}

// InjectDelta appends text to the last user message through the logical body.
func (a *Anthropic) InjectDelta(body []byte, text string) ([]byte, error) {
	if text == "" {
		return body, nil
	}
	msgs := gjson.GetBytes(body, "messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "user" {
			continue
		}
		content := msgs[i].Get("content")
		base := fmt.Sprintf("messages.%d.content", i)
		if content.Type == gjson.String {
			return sjson.SetBytes(body, base, content.String()+"\n\n"+text)
		}
		if content.IsArray() {
			return sjson.SetBytes(body, base+".-1", map[string]any{"type": "text", "text": text})
		}
		return body, fmt.Errorf("inject delta: unexpected content shape")
	}
	return body, fmt.Errorf("inject delta: no user message")
}

// BuildContinueBody extends the conversation with the assistant turn and a
// tool result, for helper-driven continuation calls.
func (a *Anthropic) BuildContinueBody(body []byte, assistantContent, toolResult, toolID string) ([]byte, error) {
	out, err := sjson.SetBytes(body, "messages.-1", map[string]any{
		"role":    "assistant",
		"content": assistantContent,
	})
	if err != nil {
		return nil, fmt.Errorf("build continue: %w", err)
	}
	out, err = sjson.SetBytes(out, "messages.-1", map[string]any{
		"role": "user",
		"content": []any{map[string]any{
			"type":        "tool_result",
			"tool_use_id": toolID,
			"content":     toolResult,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("build continue: %w", err)
	}
	return sjson.DeleteBytes(out, "stream")
}

// StripStream forces a non-streaming request; used on sub-agent bypass where
// the cache is irrelevant and the caller wants a single JSON body.
func (a *Anthropic) StripStream(body []byte) []byte {
	if !gjson.GetBytes(body, "stream").Bool() {
		return body
	}
	out, err := sjson.SetBytes(body, "stream", false)
	if err != nil {
		return body
	}
	return out
}

// ReplaceMessagesWithSummary performs the CLEAR mutation: the message history
// collapses to an empty sequence and the summary takes over the system
// region. The prompt cache is deliberately abandoned here.
func (a *Anthropic) ReplaceMessagesWithSummary(raw []byte, summary string) ([]byte, error) {
	out, err := sjson.SetBytes(raw, "messages", []any{})
	if err != nil {
		return nil, fmt.Errorf("clear messages: %w", err)
	}
	return a.InjectMemory(out, summary)
}
