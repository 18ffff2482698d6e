package mirror

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskkeeper/internal/model"
)

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	m := New(afero.NewMemMapFs(), "/kp/queue", "/kp/quarantine")
	require.NoError(t, m.Init())
	return m
}

func testDoc(id string) *Document {
	return &Document{ID: id, Title: "Task " + id, Role: model.RoleImplement, Priority: "P1", Body: "body"}
}

func TestInit_CreatesQueueDirs(t *testing.T) {
	m := newTestMirror(t)
	for _, q := range model.AllQueues {
		ok, err := afero.DirExists(m.Fs(), m.QueueDir(q))
		require.NoError(t, err)
		assert.True(t, ok, q)
	}
	ok, _ := afero.DirExists(m.Fs(), "/kp/quarantine")
	assert.True(t, ok)
}

func TestWriteRead(t *testing.T) {
	m := newTestMirror(t)
	require.NoError(t, m.Write(model.QueueIncoming, testDoc("a1")))

	got, err := m.Read(model.QueueIncoming, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Task a1", got.Title)
	assert.Equal(t, "body", got.Body)

	_, err = m.Read(model.QueueClaimed, "a1")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	m := newTestMirror(t)
	require.NoError(t, m.Write(model.QueueIncoming, testDoc("a1")))
	require.NoError(t, m.Write(model.QueueIncoming, testDoc("a1")))

	infos, err := afero.ReadDir(m.Fs(), m.QueueDir(model.QueueIncoming))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "TASK-a1.md", infos[0].Name())
}

func TestMove(t *testing.T) {
	m := newTestMirror(t)
	require.NoError(t, m.Write(model.QueueIncoming, testDoc("a1")))

	require.NoError(t, m.Move("a1", model.QueueIncoming, model.QueueClaimed))
	q, err := m.Locate("a1")
	require.NoError(t, err)
	assert.Equal(t, model.QueueClaimed, q)

	// Repeating a completed move is harmless.
	require.NoError(t, m.Move("a1", model.QueueIncoming, model.QueueClaimed))

	err = m.Move("nope", model.QueueIncoming, model.QueueClaimed)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestMove_StampsDestination(t *testing.T) {
	m := newTestMirror(t)
	moved := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return moved })
	require.NoError(t, m.Write(model.QueueIncoming, testDoc("a1")))
	old := moved.Add(-time.Hour)
	require.NoError(t, m.Fs().Chtimes(m.Path(model.QueueIncoming, "a1"), old, old))

	require.NoError(t, m.Move("a1", model.QueueIncoming, model.QueueClaimed))
	fi, err := m.Fs().Stat(m.Path(model.QueueClaimed, "a1"))
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(moved), fi.ModTime())
}

func TestLocate_Missing(t *testing.T) {
	m := newTestMirror(t)
	_, err := m.Locate("ghost")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestScan(t *testing.T) {
	m := newTestMirror(t)
	require.NoError(t, m.Write(model.QueueIncoming, testDoc("a1")))
	require.NoError(t, m.Write(model.QueueDone, testDoc("b2")))
	// Ignored: not a task file name.
	require.NoError(t, afero.WriteFile(m.Fs(), filepath.Join(m.QueueDir(model.QueueIncoming), "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(m.Fs(), filepath.Join(m.QueueDir(model.QueueIncoming), ".taskkeeper-tmp-1"), []byte("x"), 0o644))

	mod := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Fs().Chtimes(m.Path(model.QueueIncoming, "a1"), mod, mod))

	res, err := m.Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b2"}, res.IDs())
	assert.Equal(t, model.QueueIncoming, res.Entries["a1"].Queue)
	assert.Equal(t, model.QueueDone, res.Entries["b2"].Queue)
	assert.True(t, res.Entries["a1"].ModTime.Equal(mod))
	assert.Equal(t, time.Hour, res.Entries["a1"].Age(mod.Add(time.Hour)))
	assert.Empty(t, res.Duplicates)
}

func TestScan_DuplicatesPickNewest(t *testing.T) {
	m := newTestMirror(t)
	require.NoError(t, m.Write(model.QueueIncoming, testDoc("a1")))
	require.NoError(t, m.Write(model.QueueClaimed, testDoc("a1")))

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	require.NoError(t, m.Fs().Chtimes(m.Path(model.QueueIncoming, "a1"), older, older))
	require.NoError(t, m.Fs().Chtimes(m.Path(model.QueueClaimed, "a1"), newer, newer))

	res, err := m.Scan()
	require.NoError(t, err)
	assert.Equal(t, model.QueueClaimed, res.Entries["a1"].Queue)
	assert.Len(t, res.Duplicates["a1"], 2)
}

func TestQuarantine(t *testing.T) {
	m := newTestMirror(t)
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	path := m.Path(model.QueueIncoming, "ZZZZ")
	require.NoError(t, afero.WriteFile(m.Fs(), path, []byte("garbage"), 0o644))

	dst, err := m.Quarantine(model.QueueIncoming, "ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, "/kp/quarantine/TASK-ZZZZ.md.20260506T070809.corrupt", dst)

	exists, _ := afero.Exists(m.Fs(), path)
	assert.False(t, exists)
	data, err := afero.ReadFile(m.Fs(), dst)
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))

	// Same second again gets a distinct name.
	require.NoError(t, afero.WriteFile(m.Fs(), path, []byte("again"), 0o644))
	dst2, err := m.Quarantine(model.QueueIncoming, "ZZZZ")
	require.NoError(t, err)
	assert.NotEqual(t, dst, dst2)
	assert.True(t, strings.HasSuffix(dst2, "-1.corrupt"))

	names, err := QuarantinedFiles(m.Fs(), m.QuarantineDir())
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestWriteFileAtomic_Validate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/cfg", 0o755))
	path := "/cfg/config.yaml"

	require.NoError(t, WriteFileAtomic(fs, path, []byte("a: 1\n"), AtomicOptions{}))
	require.NoError(t, WriteFileAtomic(fs, path, []byte("a: 2\n"), AtomicOptions{}))

	err := WriteFileAtomic(fs, path, []byte("x"), AtomicOptions{
		Validate: func([]byte) error { return assert.AnError },
	})
	require.Error(t, err)
	cur, _ := afero.ReadFile(fs, path)
	assert.Equal(t, "a: 2\n", string(cur))

	infos, _ := afero.ReadDir(fs, "/cfg")
	for _, fi := range infos {
		assert.False(t, strings.HasPrefix(fi.Name(), ".taskkeeper-tmp-"), fi.Name())
	}
}
