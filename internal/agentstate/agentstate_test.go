package agentstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeState(t *testing.T, fs afero.Fs, name, body string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/agents", name, StateFileName), []byte(body), 0o644))
}

func newTestReader(t *testing.T) (*Reader, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/agents", 0o755))
	r, err := NewReader(fs, "/agents")
	require.NoError(t, err)
	return r, fs
}

func TestLoad(t *testing.T) {
	r, fs := newTestReader(t)
	writeState(t, fs, "worker1", `{
		"running": true,
		"current_task": "A1B2",
		"last_started": "2026-05-01T10:00:00Z",
		"last_finished": "2026-05-01T09:30:00Z",
		"extra": {"blocked_reason": "waiting on review"}
	}`)

	st, err := r.Load("worker1")
	require.NoError(t, err)
	assert.Equal(t, "worker1", st.Name)
	assert.True(t, st.Running)
	require.NotNil(t, st.CurrentTask)
	assert.Equal(t, "A1B2", *st.CurrentTask)
	assert.Equal(t, "waiting on review", st.BlockedReason())

	last, ok := st.LastActivity()
	require.True(t, ok)
	assert.True(t, last.Equal(time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)))
}

func TestLoad_NoState(t *testing.T) {
	r, _ := newTestReader(t)
	_, err := r.Load("ghost")
	assert.ErrorIs(t, err, ErrNoState)
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing running", `{"current_task": "A1"}`},
		{"wrong type", `{"running": "yes"}`},
		{"bad timestamp", `{"running": false, "last_started": "last tuesday"}`},
		{"not json", `{running`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, fs := newTestReader(t)
			writeState(t, fs, "w", tt.body)
			_, err := r.Load("w")
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrNoState)
		})
	}
}

func TestLoad_RejectsPathNames(t *testing.T) {
	r, _ := newTestReader(t)
	for _, name := range []string{"", "..", "a/b"} {
		_, err := r.Load(name)
		assert.Error(t, err, name)
	}
}

func TestHeartbeatOverridesLastActivity(t *testing.T) {
	r, fs := newTestReader(t)
	writeState(t, fs, "w", `{"running": true, "last_started": "2026-05-01T10:00:00Z"}`)
	require.NoError(t, afero.WriteFile(fs, "/agents/w/heartbeat", []byte("2026-05-01T11:45:00Z\n"), 0o644))

	st, err := r.Load("w")
	require.NoError(t, err)
	last, ok := st.LastActivity()
	require.True(t, ok)
	assert.True(t, last.Equal(time.Date(2026, 5, 1, 11, 45, 0, 0, time.UTC)))
}

func TestHeartbeatFallsBackToModTime(t *testing.T) {
	r, fs := newTestReader(t)
	writeState(t, fs, "w", `{"running": true}`)
	require.NoError(t, afero.WriteFile(fs, "/agents/w/heartbeat", nil, 0o644))
	mod := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, fs.Chtimes("/agents/w/heartbeat", mod, mod))

	st, err := r.Load("w")
	require.NoError(t, err)
	last, ok := st.LastActivity()
	require.True(t, ok)
	assert.True(t, last.Equal(mod))
}

func TestLoadAll(t *testing.T) {
	r, fs := newTestReader(t)
	writeState(t, fs, "a", `{"running": false}`)
	writeState(t, fs, "b", `{"running": 1}`)
	require.NoError(t, fs.MkdirAll("/agents/c", 0o755))

	names, err := r.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	states, errs, err := r.LoadAll()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "a", states[0].Name)
	assert.Len(t, errs, 2)
	assert.ErrorIs(t, errs["c"], ErrNoState)
}

func TestNames_MissingDir(t *testing.T) {
	r, err := NewReader(afero.NewMemMapFs(), "/nowhere")
	require.NoError(t, err)
	names, err := r.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}
