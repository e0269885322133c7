package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSONObject returns the first well-formed JSON object embedded in a
// model response. Models frequently wrap JSON in prose or markdown fences, so
// the candidate is the span from the first '{' to each closing '}' in turn.
func ExtractJSONObject(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if gjson.Valid(text) && gjson.Parse(text).IsObject() {
		return text, true
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	for end := strings.LastIndex(text, "}"); end > start; end = strings.LastIndex(text[:end], "}") {
		candidate := text[start : end+1]
		if gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}
