package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskkeeper/internal/model"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(Path(dir), []byte(body), 0o644))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTurnThreshold, cfg.Burnout.TurnThreshold)
	assert.Equal(t, model.DefaultMaxDepth, cfg.Burnout.MaxDepth)
	assert.Equal(t, model.DefaultMinFileAgeSec, cfg.Thresholds.MinFileAgeSec)
	assert.Equal(t, 2*time.Hour, cfg.Thresholds.ZombieClaimAge())
	assert.Equal(t, time.Hour, cfg.Thresholds.AgentInactive())
	assert.Equal(t, model.DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, "@every 5m", cfg.Reconcile.Schedule)
	assert.True(t, cfg.Reconcile.AutoRecycle)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
project:
  name: demo
thresholds:
  min_file_age_sec: 60
burnout:
  turn_threshold: 40
  max_depth: 2
reconcile:
  schedule: "*/10 * * * *"
  auto_recycle: false
publish:
  commands:
    - git push origin "$TASK_BRANCH"
    - make release
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, time.Minute, cfg.Thresholds.MinFileAge())
	assert.Equal(t, 40, cfg.Burnout.TurnThreshold)
	assert.Equal(t, 2, cfg.Burnout.MaxDepth)
	assert.Equal(t, "*/10 * * * *", cfg.Reconcile.Schedule)
	assert.False(t, cfg.Reconcile.AutoRecycle)
	assert.Equal(t, []string{`git push origin "$TASK_BRANCH"`, "make release"}, cfg.Publish.Commands)
	// zero in the file still falls back to the default
	assert.Equal(t, model.DefaultZombieClaimAgeSec, cfg.Thresholds.ZombieClaimAgeSec)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "burnout:\n  turn_threshold: 40\n")
	t.Setenv("TASKKEEPER_BURNOUT_TURN_THRESHOLD", "55")
	t.Setenv("TASKKEEPER_LOGGING_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 55, cfg.Burnout.TurnThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	const key = "TASKKEEPER_RETRY_MAX_ATTEMPTS"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=7\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad log level", "logging:\n  level: loud\n", "Level"},
		{"bad schedule", "reconcile:\n  schedule: \"every tuesday\"\n", "reconcile.schedule"},
		{"negative threshold", "thresholds:\n  agent_inactive_sec: -5\n", ""},
		{"malformed yaml", "burnout: [\n", "read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatcher_ReportsConfigChange(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "burnout:\n  turn_threshold: 40\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	w := NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	writeConfig(t, dir, "burnout:\n  turn_threshold: 50\n")
	for {
		select {
		case ev := <-w.Events():
			assert.Equal(t, FileName, filepath.Base(ev.Path))
			return
		case <-tick.C:
			_ = os.WriteFile(filepath.Join(dir, "other.txt"), []byte("y"), 0o644)
			writeConfig(t, dir, "burnout:\n  turn_threshold: 50\n")
		case <-deadline:
			t.Fatal("timed out waiting for config change event")
		}
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()
	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}
