package model

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	taskFilePrefix = "TASK-"
	taskFileSuffix = ".md"
)

var taskIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// NewTaskID returns the first eight hex digits of a random UUID, upper-cased.
func NewTaskID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func ValidateTaskID(id string) bool {
	return taskIDRegex.MatchString(id)
}

// TaskFileName returns the mirror file name for id.
func TaskFileName(id string) string {
	return taskFilePrefix + id + taskFileSuffix
}

// ParseTaskFileName extracts the id from "TASK-<id>.md".
func ParseTaskFileName(name string) (string, bool) {
	if !strings.HasPrefix(name, taskFilePrefix) || !strings.HasSuffix(name, taskFileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, taskFilePrefix), taskFileSuffix)
	if !ValidateTaskID(id) {
		return "", false
	}
	return id, true
}
