package keeper

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/msageha/taskkeeper/internal/actionlog"
	"github.com/msageha/taskkeeper/internal/config"
	"github.com/msageha/taskkeeper/internal/store"
	"github.com/msageha/taskkeeper/internal/uds"
)

// DirName is the keeper directory created by init at the project root.
const DirName = ".taskkeeper"

var ErrNotFound = errors.New(DirName + " directory not found; run 'taskkeeper init' first")

// Layout names every path inside a keeper dir.
type Layout struct {
	Root string
}

func (l Layout) Config() string     { return config.Path(l.Root) }
func (l Layout) DB() string         { return filepath.Join(l.Root, store.DefaultFileName) }
func (l Layout) Queue() string      { return filepath.Join(l.Root, "queue") }
func (l Layout) Quarantine() string { return filepath.Join(l.Root, "quarantine") }
func (l Layout) Agents() string     { return filepath.Join(l.Root, "agents") }
func (l Layout) Logs() string       { return filepath.Join(l.Root, "logs") }
func (l Layout) DaemonLog() string  { return filepath.Join(l.Logs(), "daemon.log") }
func (l Layout) ActionLog() string  { return filepath.Join(l.Logs(), actionlog.DefaultFileName) }
func (l Layout) Locks() string      { return filepath.Join(l.Root, "locks") }
func (l Layout) DaemonLock() string { return filepath.Join(l.Locks(), "daemon.lock") }
func (l Layout) PassLock() string   { return filepath.Join(l.Locks(), "pass.lock") }
func (l Layout) Socket() string     { return filepath.Join(l.Root, uds.DefaultSocketName) }

// Dirs lists the directories init creates besides the queue dirs.
func (l Layout) Dirs() []string {
	return []string{l.Root, l.Queue(), l.Quarantine(), l.Agents(), l.Logs(), l.Locks()}
}

// Find walks up from start looking for a keeper dir.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}
