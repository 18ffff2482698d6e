// Package logging provides the leveled text logger shared by taskkeeper components.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config value to a Level. Unknown values fall back to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger writes "<time> <LEVEL> <component>: <message>" lines.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	now       func() time.Time
}

func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
		now:       time.Now,
	}
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *Logger {
	return New(io.Discard, Error+1, "")
}

// With returns a logger sharing the same output and level for another component.
func (l *Logger) With(component string) *Logger {
	return &Logger{out: l.out, level: l.level, component: component, now: l.now}
}

func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, l.component, msg)
}
