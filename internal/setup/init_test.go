package setup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskkeeper/internal/config"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
)

var fixedNow = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }

func TestRun_CreatesKeeperDir(t *testing.T) {
	project := filepath.Join(t.TempDir(), "myproject")
	require.NoError(t, os.Mkdir(project, 0o755))

	root, err := Run(project, Options{Now: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, keeper.DirName), root)

	layout := keeper.Layout{Root: root}
	dirs := append(layout.Dirs(), filepath.Join(root, "instructions"))
	for _, q := range model.AllQueues {
		dirs = append(dirs, filepath.Join(layout.Queue(), string(q)))
	}
	for _, d := range dirs {
		info, err := os.Stat(d)
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
	for _, f := range []string{".gitignore", "instructions/worker.md"} {
		_, err := os.Stat(filepath.Join(root, f))
		assert.NoError(t, err, f)
	}

	st, err := store.Open(layout.DB())
	require.NoError(t, err)
	defer st.Close()
	v, err := st.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Positive(t, v)
}

func TestRun_ConfigLoadsWithProjectFields(t *testing.T) {
	project := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, os.Mkdir(project, 0o755))

	root, err := Run(project, Options{Name: "Demo Project", Now: fixedNow})
	require.NoError(t, err)

	cfg, err := config.Load(root)
	require.NoError(t, err)
	assert.Equal(t, "Demo Project", cfg.Project.Name)
	assert.Equal(t, project, cfg.Project.Root)
	assert.Equal(t, "2026-05-06T07:08:09Z", cfg.Project.Created)
	assert.Equal(t, model.DefaultTurnThreshold, cfg.Burnout.TurnThreshold)
	assert.True(t, cfg.Reconcile.AutoRecycle)

	raw, err := os.ReadFile(config.Path(root))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# A provisional task with zero commits", "template comments survive")
}

func TestRun_DefaultNameIsDirBasename(t *testing.T) {
	project := filepath.Join(t.TempDir(), "widget")
	require.NoError(t, os.Mkdir(project, 0o755))
	root, err := Run(project, Options{})
	require.NoError(t, err)

	cfg, err := config.Load(root)
	require.NoError(t, err)
	assert.Equal(t, "widget", cfg.Project.Name)
}

func TestRun_RefusesExistingDir(t *testing.T) {
	project := t.TempDir()
	_, err := Run(project, Options{})
	require.NoError(t, err)

	_, err = Run(project, Options{})
	assert.ErrorIs(t, err, ErrExists)
}

func TestRun_MemFsSkipsDatabase(t *testing.T) {
	fs := afero.NewMemMapFs()
	root, err := Run("/work/proj", Options{Fs: fs, Now: fixedNow})
	require.NoError(t, err)

	exists, err := afero.Exists(fs, filepath.Join(root, config.FileName))
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = afero.DirExists(fs, filepath.Join(root, "queue", "incoming"))
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = os.Stat(filepath.Join(root, store.DefaultFileName))
	assert.True(t, os.IsNotExist(err))
}
