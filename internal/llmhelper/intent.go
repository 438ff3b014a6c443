package llmhelper

import (
	"context"
	"regexp"
	"strings"
)

// Intent is the structured reading of a task's first prompt.
type Intent struct {
	Goal            string   `json:"goal"`
	ExpectedScope   []string `json:"expected_scope"`
	Constraints     []string `json:"constraints"`
	SuccessCriteria []string `json:"success_criteria"`
	Keywords        []string `json:"keywords"`
}

const intentSystem = `You read the first prompt of a coding task and extract its intent.
Respond with only a JSON object:
{"goal": "one or two sentences",
 "expected_scope": ["files or folders likely touched"],
 "constraints": ["things that must hold, both positive (do X) and negative (do not Y)"],
 "success_criteria": ["optional, how the user will judge success"],
 "keywords": ["3-8 short topical keywords"]}`

// ExtractIntent reads goal, scope, constraints, and keywords from the first
// prompt of a task. Falls back to a regex heuristic when the helper is down.
func (c *Client) ExtractIntent(ctx context.Context, prompt string) Intent {
	if c.Available() {
		text, err := c.complete(ctx, intentSystem, truncate(prompt, 8000), 1024)
		if err == nil {
			var raw map[string]any
			if decodeObject(text, &raw) == nil {
				intent := Intent{
					Goal:            strField(raw, "goal"),
					ExpectedScope:   stringSlice(raw["expected_scope"]),
					Constraints:     stringSlice(raw["constraints"]),
					SuccessCriteria: stringSlice(raw["success_criteria"]),
					Keywords:        stringSlice(raw["keywords"]),
				}
				if intent.Goal != "" {
					return intent
				}
			}
		}
	}
	return FallbackIntent(prompt)
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

var fileTokenRe = regexp.MustCompile(`[\w./-]+\.[A-Za-z]{1,6}\b`)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "to": true,
	"of": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"it": true, "this": true, "that": true, "please": true, "can": true,
	"you": true, "should": true, "add": true, "make": true, "use": true,
	"into": true, "from": true, "all": true, "be": true, "are": true,
}

// FallbackIntent is the naive heuristic used when the helper model is
// unavailable: file-like tokens become scope, the first eight distinct
// non-stop-words become keywords, the first line becomes the goal.
func FallbackIntent(prompt string) Intent {
	prompt = strings.TrimSpace(prompt)

	goal := prompt
	if i := strings.IndexByte(goal, '\n'); i > 0 {
		goal = goal[:i]
	}
	goal = truncate(goal, 200)

	var scope []string
	seen := map[string]bool{}
	for _, tok := range fileTokenRe.FindAllString(prompt, 10) {
		if !seen[tok] {
			seen[tok] = true
			scope = append(scope, tok)
		}
	}

	var keywords []string
	kwSeen := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,:;!?()[]{}\"'`")
		if len(w) < 3 || stopWords[w] || kwSeen[w] {
			continue
		}
		kwSeen[w] = true
		keywords = append(keywords, w)
		if len(keywords) == 8 {
			break
		}
	}

	return Intent{Goal: goal, ExpectedScope: scope, Keywords: keywords}
}
