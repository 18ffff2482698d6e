package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", Debug},
		{"INFO", Info},
		{"warning", Warn},
		{"warn", Warn},
		{" error ", Error},
		{"", Info},
		{"verbose", Info},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLogger_FormatAndFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Warn, "reconciler")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Logf(Info, "dropped %d", 1)
	l.Logf(Warn, "mismatch task=%s", "A1B2")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Equal(t, "2026-01-02T03:04:05Z WARN reconciler: mismatch task=A1B2\n", out)
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Debug, "daemon").With("zombie")
	l.Logf(Debug, "tick")
	assert.True(t, strings.Contains(buf.String(), "DEBUG zombie: tick"))
}

func TestLogger_NilAndDiscard(t *testing.T) {
	var l *Logger
	l.Logf(Error, "no panic")
	Discard().Logf(Error, "no output")
}
