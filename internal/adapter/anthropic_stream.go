package adapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Stream events carry partial JSON; these mirror the wire shapes we read.

type messageStartEvent struct {
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type contentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type contentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type messageDeltaEvent struct {
	Delta struct {
		StopReason   string `json:"stop_reason"`
		StopSequence string `json:"stop_sequence"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type streamBlock struct {
	kind      string
	id        string
	name      string
	text      strings.Builder
	inputJSON strings.Builder
}

// consumeStream reads the whole SSE response, keeps the exact bytes for
// replay, and assembles a normalized message body for post-processing. A
// stream that ends without message_stop still yields whatever was assembled.
func (a *Anthropic) consumeStream(r io.Reader) ([]byte, map[string]any, error) {
	var raw bytes.Buffer
	tee := io.TeeReader(r, &raw)

	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024) // large tool inputs arrive in one line

	var (
		currentEvent string
		blocks       []*streamBlock
		msgID        string
		model        string
		stopReason   string
		usage        Usage
	)

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev messageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				msgID = ev.Message.ID
				model = ev.Message.Model
				usage.Input = ev.Message.Usage.InputTokens
				usage.CacheCreation = ev.Message.Usage.CacheCreationInputTokens
				usage.CacheRead = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev contentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				blocks = append(blocks, &streamBlock{
					kind: ev.ContentBlock.Type,
					id:   ev.ContentBlock.ID,
					name: ev.ContentBlock.Name,
				})
			}

		case "content_block_delta":
			var ev contentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && len(blocks) > 0 {
				b := blocks[len(blocks)-1]
				switch ev.Delta.Type {
				case "text_delta":
					b.text.WriteString(ev.Delta.Text)
				case "thinking_delta":
					b.text.WriteString(ev.Delta.Thinking)
				case "input_json_delta":
					b.inputJSON.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			var ev messageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Delta.StopReason != "" {
					stopReason = ev.Delta.StopReason
				}
				if ev.Usage.OutputTokens > 0 {
					usage.Output = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev streamErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return raw.Bytes(), nil, fmt.Errorf("upstream stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			// Assembly below; keep draining so raw captures everything.
		}
	}
	if err := scanner.Err(); err != nil {
		return raw.Bytes(), nil, fmt.Errorf("read stream: %w", err)
	}

	content := make([]any, 0, len(blocks))
	for _, b := range blocks {
		switch b.kind {
		case "text", "thinking":
			content = append(content, map[string]any{
				"type": "text",
				"text": b.text.String(),
			})
		case "tool_use":
			input := map[string]any{}
			if s := b.inputJSON.String(); s != "" {
				_ = json.Unmarshal([]byte(s), &input)
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    b.id,
				"name":  b.name,
				"input": input,
			})
		}
	}

	assembled := map[string]any{
		"type":    "message",
		"id":      msgID,
		"model":   model,
		"role":    "assistant",
		"content": content,
		"usage": map[string]any{
			"input_tokens":                float64(usage.Input),
			"output_tokens":               float64(usage.Output),
			"cache_creation_input_tokens": float64(usage.CacheCreation),
			"cache_read_input_tokens":     float64(usage.CacheRead),
		},
	}
	if stopReason != "" {
		assembled["stop_reason"] = stopReason
	}
	return raw.Bytes(), assembled, nil
}
