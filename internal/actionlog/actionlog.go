// Package actionlog is the append-only JSONL record of every automatic fix,
// escalation, and recycle decision. It backs "diagnose --recent".
package actionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultFileName = "actions.jsonl"
	ArchiveDir      = "archive"

	DefaultMaxSize = 100 * 1024 * 1024
)

// Action types.
const (
	TypeFileDBSync   = "file-db-sync"
	TypeOrphanFix    = "orphan-fix"
	TypeQuarantine   = "quarantine"
	TypeStaleError   = "stale-error"
	TypeStaleBlocker = "stale-blocker"
	TypeEscalate     = "escalate"
	TypeRecycle      = "recycle"
	TypeForceAccept  = "force-accept"
)

type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message"`
	Before    string         `json:"before,omitempty"`
	After     string         `json:"after,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Recorder accepts action entries.
type Recorder interface {
	Record(e Entry) error
}

type discard struct{}

func (discard) Record(Entry) error { return nil }

// Discard drops every entry.
var Discard Recorder = discard{}

// Logger appends entries to a JSONL file and rotates it into archive/ once
// it would exceed maxSize.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	size     int64
	maxSize  int64
	path     string
	checksum bool
	rotated  int
	now      func() time.Time
}

func Open(path string, maxSize int64, checksum bool) (*Logger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create action log dir: %w", err)
	}
	l := &Logger{path: path, maxSize: maxSize, checksum: checksum, now: time.Now}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open action log: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat action log: %w", err)
	}
	l.file = f
	l.size = fi.Size()
	return nil
}

func (l *Logger) Path() string {
	return l.path
}

// Record appends e, stamping the timestamp when unset.
func (l *Logger) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("action log is closed")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Checksum = ""
	if l.checksum {
		sum, err := checksum(e)
		if err != nil {
			return err
		}
		e.Checksum = sum
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	data = append(data, '\n')

	if l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate action log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write action: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync action log: %w", err)
	}
	l.size += int64(n)
	return nil
}

func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil
	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	l.rotated++
	base := strings.TrimSuffix(filepath.Base(l.path), filepath.Ext(l.path))
	name := fmt.Sprintf("%s.%s.%d%s", base, l.now().UTC().Format("20060102_150405"), l.rotated, filepath.Ext(l.path))
	if err := os.Rename(l.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return l.open()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func checksum(e Entry) (string, error) {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// ReadFile decodes every well-formed entry of one JSONL file. Malformed lines
// are skipped and counted.
func ReadFile(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		entries   []Entry
		malformed int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			malformed++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, malformed, fmt.Errorf("read %s: %w", path, err)
	}
	return entries, malformed, nil
}

// Recent returns entries at or after since from the archive and the current
// file, oldest first.
func Recent(path string, since time.Time) ([]Entry, error) {
	files, err := filepath.Glob(filepath.Join(filepath.Dir(path), ArchiveDir, "*"+filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	files = append(files, path)

	var out []Entry
	for _, f := range files {
		entries, _, err := ReadFile(f)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.Timestamp.Before(since) {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// GroupByType buckets entries by action type, keeping their order.
func GroupByType(entries []Entry) map[string][]Entry {
	groups := make(map[string][]Entry)
	for _, e := range entries {
		groups[e.Type] = append(groups[e.Type], e)
	}
	return groups
}

// VerifyIntegrity counts the entries in path and how many pass their
// checksum. Entries written without a checksum count as valid.
func VerifyIntegrity(path string) (total, valid int, err error) {
	entries, malformed, err := ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	total = len(entries) + malformed
	for _, e := range entries {
		if e.Checksum == "" {
			valid++
			continue
		}
		sum, err := checksum(e)
		if err == nil && sum == e.Checksum {
			valid++
		}
	}
	return total, valid, nil
}
