package enrich

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/loopdesk/poit-crawler/internal/poit"
)

// Announcement text inside the REST payloads hides behind varying keys
// across endpoint versions, so extraction walks the whole document instead
// of binding to a schema. A string qualifies when its key or its content
// looks announcement-like; the longest qualifier wins.
var (
	textKeyHint     = regexp.MustCompile(`(?i)(text|kung.relse)`)
	textContentHint = regexp.MustCompile(`(?i)(org\.?\s?nr|f.retagsnamn|kung.relsetext)`)
)

const minCandidateLen = 20

// TextFromAPI extracts the announcement text from a REST payload. It
// returns "" when the payload is not JSON or holds no plausible text.
func TextFromAPI(payload []byte) string {
	var root any
	if err := json.Unmarshal(payload, &root); err != nil {
		return ""
	}
	best := ""
	walkStrings(root, "", func(key, val string) {
		if len(val) <= minCandidateLen {
			return
		}
		if !textKeyHint.MatchString(key) && !textContentHint.MatchString(val) {
			return
		}
		if len(val) > len(best) {
			best = val
		}
	})
	return strings.TrimSpace(best)
}

func walkStrings(node any, key string, visit func(key, val string)) {
	switch v := node.(type) {
	case string:
		visit(key, v)
	case map[string]any:
		for k, child := range v {
			walkStrings(child, k, visit)
		}
	case []any:
		for _, child := range v {
			walkStrings(child, key, visit)
		}
	}
}

// TextFromDOM extracts the announcement text from a rendered detail page's
// body text: the lines after the announcement-text heading, up to the
// page's navigation chrome.
func TextFromDOM(body string) string {
	lines := strings.Split(body, "\n")

	start := -1
	for i, line := range lines {
		if strings.Contains(strings.ToLower(line), poit.DetailHeadingPhrase) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}

	var out []string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isTrailingMarker(trimmed) {
			break
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

func isTrailingMarker(line string) bool {
	lower := strings.ToLower(line)
	for _, phrase := range poit.DetailTrailingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
