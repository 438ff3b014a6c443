package adapter

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var workingDirRe = regexp.MustCompile(`(?m)Working directory:\s*(\S+)`)

// ExtractProjectPath finds the caller's project path. Claude-style clients
// state it in the system prompt ("Working directory: /path"); the first user
// message is scanned as a fallback.
func (a *Anthropic) ExtractProjectPath(body []byte) string {
	if m := workingDirRe.FindStringSubmatch(systemText(body)); m != nil {
		return m[1]
	}
	for _, turn := range a.ExtractConversationHistory(body) {
		if turn.Role != "user" {
			continue
		}
		if m := workingDirRe.FindStringSubmatch(turn.Text); m != nil {
			return m[1]
		}
		break
	}
	return ""
}

// systemText flattens the system region, string or block-array form.
func systemText(body []byte) string {
	sys := gjson.GetBytes(body, "system")
	switch sys.Type {
	case gjson.String:
		return sys.String()
	case gjson.JSON:
		if sys.IsArray() {
			var b strings.Builder
			sys.ForEach(func(_, block gjson.Result) bool {
				b.WriteString(block.Get("text").String())
				b.WriteString("\n")
				return true
			})
			return b.String()
		}
	}
	return ""
}

// contentText flattens a message content value, string or block-array form.
// Tool-result blocks are skipped; they carry machine output, not user intent.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// ExtractGoal returns the text of the first real user message.
func (a *Anthropic) ExtractGoal(body []byte) string {
	for _, turn := range a.ExtractConversationHistory(body) {
		if turn.Role == "user" && strings.TrimSpace(turn.Text) != "" {
			return strings.TrimSpace(turn.Text)
		}
	}
	return ""
}

// ExtractConversationHistory returns the ordered {role, text} sequence.
func (a *Anthropic) ExtractConversationHistory(body []byte) []Turn {
	var out []Turn
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		out = append(out, Turn{
			Role: msg.Get("role").String(),
			Text: contentText(msg.Get("content")),
		})
		return true
	})
	return out
}

// MessageCount returns the number of messages in the request.
func (a *Anthropic) MessageCount(body []byte) int {
	return int(gjson.GetBytes(body, "messages.#").Int())
}

// Model returns the requested model name.
func (a *Anthropic) Model(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// IsStream reports whether the client asked for an event stream.
func (a *Anthropic) IsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// LastMessageIsToolResult reports whether the final message only carries
// tool results, which marks a continuation request.
func (a *Anthropic) LastMessageIsToolResult(body []byte) bool {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return false
	}
	arr := msgs.Array()
	if len(arr) == 0 {
		return false
	}
	content := arr[len(arr)-1].Get("content")
	if !content.IsArray() {
		return false
	}
	hasToolResult := false
	hasOther := false
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_result" {
			hasToolResult = true
		} else {
			hasOther = true
		}
		return true
	})
	return hasToolResult && !hasOther
}

// IsValidResponse reports whether the body is a well-formed message.
func (a *Anthropic) IsValidResponse(body map[string]any) bool {
	if body == nil {
		return false
	}
	if t, _ := body["type"].(string); t != "message" {
		return false
	}
	_, ok := body["content"].([]any)
	return ok
}

// IsEndTurn is true iff the turn yielded no further tool call.
func (a *Anthropic) IsEndTurn(body map[string]any) bool {
	if !a.IsValidResponse(body) {
		return false
	}
	if sr, _ := body["stop_reason"].(string); sr == "tool_use" {
		return false
	}
	for _, block := range body["content"].([]any) {
		if m, ok := block.(map[string]any); ok {
			if t, _ := m["type"].(string); t == "tool_use" {
				return false
			}
		}
	}
	return true
}

// toolActionKinds maps vendor tool names onto the normalized action sum.
var toolActionKinds = map[string]string{
	"Read":         ActionReadKind,
	"NotebookRead": ActionReadKind,
	"Edit":         ActionEditKind,
	"MultiEdit":    ActionEditKind,
	"NotebookEdit": ActionEditKind,
	"Write":        ActionWriteKind,
	"Bash":         ActionRunKind,
	"Grep":         ActionSearchKind,
	"Glob":         ActionSearchKind,
	"WebSearch":    ActionSearchKind,
	"LS":           ActionSearchKind,
}

// Normalized action kind names, mirrored from the store's vocabulary.
const (
	ActionReadKind   = "read"
	ActionEditKind   = "edit"
	ActionWriteKind  = "write"
	ActionRunKind    = "run_command"
	ActionSearchKind = "search"
	ActionOtherKind  = "other"
)

// ParseActions normalizes the response's tool_use blocks.
func (a *Anthropic) ParseActions(body map[string]any) []Action {
	if !a.IsValidResponse(body) {
		return nil
	}
	var out []Action
	for _, block := range body["content"].([]any) {
		m, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t != "tool_use" {
			continue
		}
		name, _ := m["name"].(string)
		kind, ok := toolActionKinds[name]
		if !ok {
			kind = ActionOtherKind
		}
		act := Action{Kind: kind, Tool: name}
		if raw, err := json.Marshal(m); err == nil {
			act.Raw = raw
		}
		if input, ok := m["input"].(map[string]any); ok {
			for _, key := range []string{"file_path", "path", "notebook_path"} {
				if fp, _ := input[key].(string); fp != "" {
					act.Files = append(act.Files, fp)
					if dir := path.Dir(fp); dir != "." && dir != "/" {
						act.Folders = append(act.Folders, dir)
					}
					break
				}
			}
			if cmd, _ := input["command"].(string); cmd != "" {
				act.Command = cmd
			}
		}
		out = append(out, act)
	}
	return out
}

// ExtractTextContent joins the response's text blocks.
func (a *Anthropic) ExtractTextContent(body map[string]any) string {
	if !a.IsValidResponse(body) {
		return ""
	}
	var b strings.Builder
	for _, block := range body["content"].([]any) {
		m, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == "text" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			if s, ok := m["text"].(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

// ExtractTokenUsage reads the usage block; absent fields stay zero.
func (a *Anthropic) ExtractTokenUsage(body map[string]any) Usage {
	var u Usage
	usage, ok := body["usage"].(map[string]any)
	if !ok {
		return u
	}
	num := func(key string) int {
		if f, ok := usage[key].(float64); ok {
			return int(f)
		}
		return 0
	}
	u.Input = num("input_tokens")
	u.Output = num("output_tokens")
	u.CacheCreation = num("cache_creation_input_tokens")
	u.CacheRead = num("cache_read_input_tokens")
	return u
}
