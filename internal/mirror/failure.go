package mirror

import (
	"strings"
	"time"
)

const failurePrefix = "## FAILED_AT:"

// HasFailure reports whether body carries a failure annotation.
func HasFailure(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, failurePrefix) {
			return true
		}
	}
	return false
}

// StripFailures removes every "## FAILED_AT:" section. A section runs until
// the next "##" heading or the end of the body.
func StripFailures(body string) (string, bool) {
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	inFailure, removed := false, false
	for _, line := range lines {
		if strings.HasPrefix(line, failurePrefix) {
			inFailure, removed = true, true
			continue
		}
		if inFailure && strings.HasPrefix(line, "##") {
			inFailure = false
		}
		if !inFailure {
			out = append(out, line)
		}
	}
	if !removed {
		return body, false
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n \t"), true
}

// AppendFailure adds a failure section at the end of body.
func AppendFailure(body string, at time.Time, text string) string {
	section := failurePrefix + " " + at.UTC().Format(time.RFC3339) + "\n" + strings.TrimSpace(text)
	body = strings.TrimRight(body, "\n \t")
	if body == "" {
		return section
	}
	return body + "\n\n" + section
}
