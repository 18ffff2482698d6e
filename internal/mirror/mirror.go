package mirror

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/msageha/taskkeeper/internal/model"
)

var ErrFileNotFound = errors.New("task file not found")

// Entry is one task file found on disk.
type Entry struct {
	ID      string
	Queue   model.Queue
	Path    string
	ModTime time.Time
}

func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.ModTime)
}

// ScanResult maps each task id to the location of its file. When a task has
// files in several queues, Entries keeps the newest and Duplicates lists all.
type ScanResult struct {
	Entries    map[string]Entry
	Duplicates map[string][]Entry
}

// IDs returns the scanned ids in sorted order.
func (r *ScanResult) IDs() []string {
	ids := make([]string, 0, len(r.Entries))
	for id := range r.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mirror is the queue directory tree: <root>/<queue>/TASK-<id>.md.
type Mirror struct {
	fs            afero.Fs
	root          string
	quarantineDir string
	now           func() time.Time
}

func New(fs afero.Fs, root, quarantineDir string) *Mirror {
	return &Mirror{fs: fs, root: root, quarantineDir: quarantineDir, now: time.Now}
}

// SetClock overrides the time source used for quarantine names and move stamps.
func (m *Mirror) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Mirror) Fs() afero.Fs {
	return m.fs
}

func (m *Mirror) Root() string {
	return m.root
}

func (m *Mirror) QuarantineDir() string {
	return m.quarantineDir
}

// Init creates every queue directory and the quarantine directory.
func (m *Mirror) Init() error {
	for _, q := range model.AllQueues {
		if err := m.fs.MkdirAll(m.QueueDir(q), 0o755); err != nil {
			return fmt.Errorf("create queue dir %s: %w", q, err)
		}
	}
	if err := m.fs.MkdirAll(m.quarantineDir, 0o755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	return nil
}

func (m *Mirror) QueueDir(q model.Queue) string {
	return filepath.Join(m.root, string(q))
}

func (m *Mirror) Path(q model.Queue, id string) string {
	return filepath.Join(m.QueueDir(q), model.TaskFileName(id))
}

// Write atomically writes doc into queue q.
func (m *Mirror) Write(q model.Queue, doc *Document) error {
	if err := m.fs.MkdirAll(m.QueueDir(q), 0o755); err != nil {
		return fmt.Errorf("create queue dir %s: %w", q, err)
	}
	content := doc.Bytes()
	return WriteFileAtomic(m.fs, m.Path(q, doc.ID), content, AtomicOptions{
		Validate: func(b []byte) error {
			_, err := Parse(doc.ID, b)
			return err
		},
	})
}

func (m *Mirror) ReadRaw(q model.Queue, id string) ([]byte, error) {
	data, err := afero.ReadFile(m.fs, m.Path(q, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s in %s: %w", id, q, ErrFileNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", m.Path(q, id), err)
	}
	return data, nil
}

func (m *Mirror) Read(q model.Queue, id string) (*Document, error) {
	data, err := m.ReadRaw(q, id)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(id, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.Path(q, id), err)
	}
	return doc, nil
}

// Move renames the task file from one queue directory to another and stamps
// it with the current time. Moving a file that is already in the target queue
// is a no-op.
func (m *Mirror) Move(id string, from, to model.Queue) error {
	if from == to {
		return nil
	}
	src, dst := m.Path(from, id), m.Path(to, id)
	if exists, err := afero.Exists(m.fs, src); err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	} else if !exists {
		if there, _ := afero.Exists(m.fs, dst); there {
			return nil
		}
		return fmt.Errorf("%s in %s: %w", id, from, ErrFileNotFound)
	}
	if err := m.fs.MkdirAll(m.QueueDir(to), 0o755); err != nil {
		return fmt.Errorf("create queue dir %s: %w", to, err)
	}
	if err := m.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s %s→%s: %w", id, from, to, err)
	}
	// A rename keeps the old mtime; the reconciler's age guard needs the
	// move itself to count as recent activity.
	now := m.now()
	if err := m.fs.Chtimes(dst, now, now); err != nil {
		return fmt.Errorf("touch %s: %w", dst, err)
	}
	return nil
}

func (m *Mirror) Remove(q model.Queue, id string) error {
	if err := m.fs.Remove(m.Path(q, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", m.Path(q, id), err)
	}
	return nil
}

// Locate returns the queue holding id's file.
func (m *Mirror) Locate(id string) (model.Queue, error) {
	for _, q := range model.AllQueues {
		if exists, _ := afero.Exists(m.fs, m.Path(q, id)); exists {
			return q, nil
		}
	}
	return "", fmt.Errorf("%s: %w", id, ErrFileNotFound)
}

// Scan lists every task file across all queue directories.
func (m *Mirror) Scan() (*ScanResult, error) {
	res := &ScanResult{
		Entries:    make(map[string]Entry),
		Duplicates: make(map[string][]Entry),
	}
	seen := make(map[string][]Entry)
	for _, q := range model.AllQueues {
		infos, err := afero.ReadDir(m.fs, m.QueueDir(q))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read queue dir %s: %w", q, err)
		}
		for _, fi := range infos {
			if fi.IsDir() {
				continue
			}
			id, ok := model.ParseTaskFileName(fi.Name())
			if !ok {
				continue
			}
			seen[id] = append(seen[id], Entry{
				ID:      id,
				Queue:   q,
				Path:    filepath.Join(m.QueueDir(q), fi.Name()),
				ModTime: fi.ModTime(),
			})
		}
	}
	for id, entries := range seen {
		newest := entries[0]
		for _, e := range entries[1:] {
			if e.ModTime.After(newest.ModTime) {
				newest = e
			}
		}
		res.Entries[id] = newest
		if len(entries) > 1 {
			res.Duplicates[id] = entries
		}
	}
	return res, nil
}

// Quarantine moves an uninterpretable task file out of the queues.
func (m *Mirror) Quarantine(q model.Queue, id string) (string, error) {
	return QuarantineFile(m.fs, m.quarantineDir, m.Path(q, id), m.now())
}
