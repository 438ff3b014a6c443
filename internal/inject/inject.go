// Package inject mutates raw JSON request bytes in place. Upstream providers
// match prompt-cache prefixes byte-for-byte, so the usual decode/re-encode
// cycle (which reorders keys and normalizes whitespace) would defeat the
// cache. Every operation here splices into the original buffer and leaves
// all other bytes untouched.
package inject

import (
	"bytes"
	"strings"
)

// EscapeJSONString escapes text for embedding inside a JSON string literal.
func EscapeJSONString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// skipString advances past a JSON string literal. i must point at the opening
// quote; the returned index points just past the closing quote, or len(b) if
// the string never terminates.
func skipString(b []byte, i int) int {
	i++ // opening quote
	for i < len(b) {
		switch b[i] {
		case '\\':
			i += 2 // escape plus escaped char is a single unit
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return i
}

// findKey returns the index just past the colon of the first occurrence of
// "key": at any depth, scanning outside string literals. Returns -1 if absent.
func findKey(b []byte, key string) int {
	needle := `"` + key + `"`
	for i := 0; i < len(b); {
		if b[i] != '"' {
			i++
			continue
		}
		end := skipString(b, i)
		if string(b[i:end]) == needle {
			j := skipWS(b, end)
			if j < len(b) && b[j] == ':' {
				return j + 1
			}
		}
		i = end
	}
	return -1
}

// findTopLevelKey is findKey restricted to keys of the outermost object, so a
// "system" or "tools" key buried in a message block never matches.
func findTopLevelKey(b []byte, key string) int {
	needle := `"` + key + `"`
	depth := 0
	for i := 0; i < len(b); {
		switch b[i] {
		case '"':
			end := skipString(b, i)
			if depth == 1 && string(b[i:end]) == needle {
				j := skipWS(b, end)
				if j < len(b) && b[j] == ':' {
					return j + 1
				}
			}
			i = end
		case '{', '[':
			depth++
			i++
		case '}', ']':
			depth--
			i++
		default:
			i++
		}
	}
	return -1
}

// skipWS advances past JSON whitespace.
func skipWS(b []byte, i int) int {
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return i
}

// matchClose returns the index of the bracket closing the one at i.
// Strings are skipped wholesale so brackets inside them never count.
// Returns -1 when unbalanced.
func matchClose(b []byte, i int) int {
	open := b[i]
	var close byte
	switch open {
	case '[':
		close = ']'
	case '{':
		close = '}'
	default:
		return -1
	}
	depth := 0
	for ; i < len(b); i++ {
		switch b[i] {
		case '"':
			i = skipString(b, i) - 1
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// arrayIsEmpty reports whether the array starting at open and closing at
// close contains no elements.
func arrayIsEmpty(b []byte, open, close int) bool {
	return skipWS(b, open+1) == close
}

// spliceAt returns a new buffer with ins inserted at position i.
func spliceAt(b []byte, i int, ins string) []byte {
	out := make([]byte, 0, len(b)+len(ins))
	out = append(out, b[:i]...)
	out = append(out, ins...)
	out = append(out, b[i:]...)
	return out
}

// textBlock renders a {"type":"text","text":…} element for the given text.
func textBlock(text string) string {
	return `{"type":"text","text":"` + EscapeJSONString(text) + `"}`
}

// InjectIntoSystem inserts a text block as the last element of the "system"
// array. When system is a plain string the text is appended inside it. The
// inserted block carries no cache-control marker: providers cap the number of
// cache breakpoints and the host client already spends them. Returns the
// input unchanged with ok=false when no system region can be located.
func InjectIntoSystem(raw []byte, text string) ([]byte, bool) {
	if text == "" {
		return raw, true
	}
	at := findTopLevelKey(raw, "system")
	if at < 0 {
		return raw, false
	}
	i := skipWS(raw, at)
	if i >= len(raw) {
		return raw, false
	}
	switch raw[i] {
	case '[':
		end := matchClose(raw, i)
		if end < 0 {
			return raw, false
		}
		ins := textBlock(text)
		if !arrayIsEmpty(raw, i, end) {
			ins = "," + ins
		}
		return spliceAt(raw, end, ins), true
	case '"':
		end := skipString(raw, i)
		return spliceAt(raw, end-1, "\\n\\n"+EscapeJSONString(text)), true
	}
	return raw, false
}

// AppendToLastUserMessage appends text to the content of the last user
// message. String content gets escaped text before the closing quote; array
// content gets a new text element before the closing bracket. Returns the
// input unchanged with ok=false when the search fails.
func AppendToLastUserMessage(raw []byte, text string) ([]byte, bool) {
	if text == "" {
		return raw, true
	}
	at := lastUserRole(raw)
	if at < 0 {
		return raw, false
	}
	rel := findKey(raw[at:], "content")
	if rel < 0 {
		return raw, false
	}
	i := skipWS(raw, at+rel)
	if i >= len(raw) {
		return raw, false
	}
	switch raw[i] {
	case '"':
		end := skipString(raw, i)
		return spliceAt(raw, end-1, "\\n\\n"+EscapeJSONString(text)), true
	case '[':
		end := matchClose(raw, i)
		if end < 0 {
			return raw, false
		}
		ins := textBlock(text)
		if !arrayIsEmpty(raw, i, end) {
			ins = "," + ins
		}
		return spliceAt(raw, end, ins), true
	}
	return raw, false
}

// lastUserRole returns the index just past the last "role":"user" pair,
// scanning outside string literals.
func lastUserRole(b []byte) int {
	last := -1
	for i := 0; i < len(b); {
		if b[i] != '"' {
			i++
			continue
		}
		end := skipString(b, i)
		if string(b[i:end]) == `"role"` {
			j := skipWS(b, end)
			if j < len(b) && b[j] == ':' {
				j = skipWS(b, j+1)
				if j < len(b) && b[j] == '"' {
					vend := skipString(b, j)
					if string(b[j:vend]) == `"user"` {
						last = vend
					}
					i = vend
					continue
				}
			}
		}
		i = end
	}
	return last
}

// InjectTool appends a tool definition (already-serialized JSON object) to the
// "tools" array, creating the array before the closing brace of the top-level
// object when absent.
func InjectTool(raw []byte, toolDef []byte) ([]byte, bool) {
	def := bytes.TrimSpace(toolDef)
	if len(def) == 0 {
		return raw, true
	}
	at := findTopLevelKey(raw, "tools")
	if at >= 0 {
		i := skipWS(raw, at)
		if i < len(raw) && raw[i] == '[' {
			end := matchClose(raw, i)
			if end < 0 {
				return raw, false
			}
			ins := string(def)
			if !arrayIsEmpty(raw, i, end) {
				ins = "," + ins
			}
			return spliceAt(raw, end, ins), true
		}
		return raw, false
	}

	// No tools array: create one just before the closing brace.
	i := skipWS(raw, 0)
	if i >= len(raw) || raw[i] != '{' {
		return raw, false
	}
	end := matchClose(raw, i)
	if end < 0 {
		return raw, false
	}
	ins := `,"tools":[` + string(def) + `]`
	if skipWS(raw, i+1) == end { // empty object
		ins = `"tools":[` + string(def) + `]`
	}
	return spliceAt(raw, end, ins), true
}

// RemoveLastArrayElement removes the final element of the array under key.
// Used to undo an injection; returns the input unchanged with ok=false when
// the array is missing or empty.
func RemoveLastArrayElement(raw []byte, key string) ([]byte, bool) {
	at := findTopLevelKey(raw, key)
	if at < 0 {
		return raw, false
	}
	i := skipWS(raw, at)
	if i >= len(raw) || raw[i] != '[' {
		return raw, false
	}
	end := matchClose(raw, i)
	if end < 0 || arrayIsEmpty(raw, i, end) {
		return raw, false
	}

	// Walk top-level elements tracking where the last one (and the comma
	// before it) begins.
	j := skipWS(raw, i+1)
	lastComma := -1
	lastStart := j
	for j < end {
		switch raw[j] {
		case '"':
			j = skipString(raw, j)
		case '[', '{':
			c := matchClose(raw, j)
			if c < 0 {
				return raw, false
			}
			j = c + 1
		case ',':
			lastComma = j
			j = skipWS(raw, j+1)
			lastStart = j
		default:
			j++
		}
	}

	cut := lastComma
	if cut < 0 {
		cut = lastStart
	}
	out := make([]byte, 0, len(raw))
	out = append(out, raw[:cut]...)
	out = append(out, raw[end:]...)
	return out, true
}
