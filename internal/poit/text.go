package poit

import (
	"regexp"
	"strings"
)

// Preview bounds for DetailText.
const (
	DetailWordLimit = 100
	DetailCharLimit = 1000
)

// CountWords counts whitespace-separated words in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// TruncateDetail bounds text for the DetailText preview field. Text within
// both limits is returned trimmed and unchanged; longer text is cut at the
// word limit (and, if still over, the character limit) with a trailing
// ellipsis. FullText keeps the complete extraction, so no data is lost.
func TruncateDetail(text string) string {
	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)
	if len(words) <= DetailWordLimit && len(trimmed) <= DetailCharLimit {
		return trimmed
	}
	if len(words) > DetailWordLimit {
		words = words[:DetailWordLimit]
	}
	out := strings.Join(words, " ")
	if len(out) > DetailCharLimit {
		out = strings.TrimSpace(out[:DetailCharLimit])
	}
	return out + " ..."
}

var orgNumberPattern = regexp.MustCompile(`(\d{6})\s*-?\s*(\d{4})`)

// ExtractOrgNumber scans announcement text for an organization number
// following one of the known labels and returns it in dashed form. The empty
// string means no number was found.
func ExtractOrgNumber(text string) string {
	for _, label := range OrgNumberLabels {
		idx := strings.Index(text, label)
		if idx < 0 {
			continue
		}
		tail := text[idx+len(label):]
		if len(tail) > 40 {
			tail = tail[:40]
		}
		if m := orgNumberPattern.FindStringSubmatch(tail); m != nil {
			return m[1] + "-" + m[2]
		}
	}
	return ""
}

var (
	bulletPattern  = regexp.MustCompile(`^[-*•–]\s+(.*)$`)
	orderedPattern = regexp.MustCompile(`^\d+[.)]\s+(.*)$`)
	urlPattern     = regexp.MustCompile(`^(https?:|www\.)`)
	blanksPattern  = regexp.MustCompile(`\s+`)
)

// FormatMarkdown renders extracted announcement text as markdown: the first
// line becomes the title, short label-like lines become section headings, and
// bullet or numbered runs become lists. Used when serving announcement detail
// to the presentation layer.
func FormatMarkdown(text string) string {
	if text == "" {
		return ""
	}
	var out []string
	started := false
	pendingList := false

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(blanksPattern.ReplaceAllString(rawLine, " "))
		if line == "" {
			if len(out) > 0 && out[len(out)-1] != "" {
				out = append(out, "")
			}
			pendingList = false
			continue
		}

		if !started {
			out = append(out, "# "+line)
			started = true
			continue
		}

		if isHeadingCandidate(line) {
			if len(out) > 0 && out[len(out)-1] != "" {
				out = append(out, "")
			}
			out = append(out, "## "+strings.TrimSuffix(line, ":"))
			pendingList = false
			continue
		}

		normalized := line
		isListItem := false
		if m := bulletPattern.FindStringSubmatch(line); m != nil {
			normalized = strings.TrimSpace(m[1])
			isListItem = true
		} else if m := orderedPattern.FindStringSubmatch(line); m != nil {
			normalized = strings.TrimSpace(m[1])
			isListItem = true
		} else if pendingList {
			isListItem = true
		}

		if isListItem {
			out = append(out, "- "+normalized)
		} else {
			out = append(out, line)
		}
		pendingList = strings.HasSuffix(line, ":")
	}

	return collapseBlankRuns(strings.Join(out, "\n"))
}

func isHeadingCandidate(line string) bool {
	switch {
	case line == "", len(line) > 160:
		return false
	case urlPattern.MatchString(strings.ToLower(line)):
		return false
	case bulletPattern.MatchString(line) || orderedPattern.MatchString(line):
		return false
	case strings.ContainsAny(string(line[len(line)-1]), ".!?"):
		return false
	case strings.HasSuffix(line, ":"):
		return len(line) <= 50
	default:
		return true
	}
}

var blankRunPattern = regexp.MustCompile(`\n{3,}`)

func collapseBlankRuns(s string) string {
	return blankRunPattern.ReplaceAllString(s, "\n\n")
}
