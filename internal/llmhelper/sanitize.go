package llmhelper

import (
	"encoding/json"
	"fmt"
	"strings"
)

// dangerousKeys are stripped from any decoded object before use; a model
// echoing attacker-controlled text must not smuggle prototype pollution into
// downstream consumers of the JSON we persist.
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// decodeObject extracts the first JSON object from model output (tolerating
// code fences and prose around it), strips dangerous keys recursively, and
// unmarshals into dst.
func decodeObject(text string, dst any) error {
	raw := extractJSON(text)
	if raw == "" {
		return fmt.Errorf("no JSON object in helper output")
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return fmt.Errorf("parse helper output: %w", err)
	}
	stripDangerous(generic)
	clean, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(clean, dst)
}

// extractJSON returns the first balanced {...} region of text, respecting
// string literals.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func stripDangerous(v any) {
	switch m := v.(type) {
	case map[string]any:
		for k, child := range m {
			if dangerousKeys[k] {
				delete(m, k)
				continue
			}
			stripDangerous(child)
		}
	case []any:
		for _, child := range m {
			stripDangerous(child)
		}
	}
}

// stringSlice coerces a decoded value to []string, dropping non-strings.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// clampInt coerces a decoded number to an int within [lo, hi].
func clampInt(v any, lo, hi, fallback int) int {
	f, ok := v.(float64)
	if !ok {
		return fallback
	}
	n := int(f)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// truncate caps s at n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}
