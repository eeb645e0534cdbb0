package classify

import (
	"regexp"
	"strings"
)

// Fingerprinting collapses structurally identical log lines that differ only
// in embedded identifiers, so repeated errors share one tracking category.
var (
	timestampRe = regexp.MustCompile(
		`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	clockRe  = regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}\b`)
	hexIDRe  = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	branchRe = regexp.MustCompile(`\b[\w.-]+/[\w./-]+\b`)
	numberRe = regexp.MustCompile(`\b\d{4,}\b`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Fingerprint normalizes a log line into a stable grouping key. Timestamps,
// long hex identifiers, branch-like path tokens and long numbers are replaced
// with placeholders.
func Fingerprint(line string) string {
	s := strings.TrimSpace(line)
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = clockRe.ReplaceAllString(s, "<ts>")
	s = hexIDRe.ReplaceAllString(s, "<id>")
	s = branchRe.ReplaceAllString(s, "<ref>")
	s = numberRe.ReplaceAllString(s, "<n>")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(s)
}

// LastErrorLine returns the last non-empty line of a log tail, the line most
// likely to describe why the process died.
func LastErrorLine(logTail string) string {
	lines := strings.Split(logTail, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
