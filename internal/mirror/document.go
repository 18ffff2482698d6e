// Package mirror maintains the file-per-task view of the queues and owns the
// task file grammar:
//
//	# [TASK-<id>] <title>
//
//	ROLE: implement
//	PRIORITY: P1
//	...
//
//	<free-form body>
//
// Header lines are ordered KEY: value pairs ending at the first blank line.
// Parse and Document.Bytes are the only reader and writer of this format.
package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/msageha/taskkeeper/internal/model"
)

var (
	ErrNoTitle     = errors.New("missing \"# [TASK-<id>] <title>\" line")
	ErrIDMismatch  = errors.New("title id does not match file name")
	ErrMissingRole = errors.New("missing ROLE header")
)

const (
	KeyRole      = "ROLE"
	KeyPriority  = "PRIORITY"
	KeyBranch    = "BRANCH"
	KeyCreated   = "CREATED"
	KeyCreatedBy = "CREATED_BY"
	KeyProject   = "PROJECT"
	KeyBlockedBy = "BLOCKED_BY"
	KeyChecks    = "CHECKS"
)

var (
	titleRegex  = regexp.MustCompile(`^# \[TASK-([^\]]+)\][ \t]*(.*)$`)
	headerRegex = regexp.MustCompile(`^([A-Z][A-Z0-9_]*):[ \t]?(.*)$`)
)

// Header is a header line whose key taskkeeper does not interpret. It is kept
// so that rewriting a file never drops fields another tool added.
type Header struct {
	Key   string
	Value string
}

// Document is the parsed form of a task file.
type Document struct {
	ID        string
	Title     string
	Role      model.Role
	Priority  string
	Branch    string
	Created   string
	CreatedBy string
	Project   string
	BlockedBy []string
	Checks    []string
	Extra     []Header
	// Body excludes leading blank lines and trailing newlines.
	Body string
}

// Parse reads a task file. id is the id taken from the file name; the title
// line must agree with it. A document without a ROLE header is rejected
// because its task cannot be reconstructed safely.
func Parse(id string, data []byte) (*Document, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	i := skipBlank(lines, 0)
	if i >= len(lines) {
		return nil, ErrNoTitle
	}
	m := titleRegex.FindStringSubmatch(lines[i])
	if m == nil || strings.TrimSpace(m[2]) == "" {
		return nil, ErrNoTitle
	}
	if m[1] != id {
		return nil, fmt.Errorf("%w: title has %q, file has %q", ErrIDMismatch, m[1], id)
	}
	doc := &Document{ID: id, Title: strings.TrimSpace(m[2])}

	i = skipBlank(lines, i+1)
	for ; i < len(lines); i++ {
		hm := headerRegex.FindStringSubmatch(lines[i])
		if hm == nil {
			break
		}
		doc.setHeader(hm[1], strings.TrimSpace(hm[2]))
	}

	doc.Body = strings.TrimRight(strings.Join(lines[skipBlank(lines, i):], "\n"), "\n \t")

	if doc.Role == "" {
		return nil, ErrMissingRole
	}
	return doc, nil
}

func skipBlank(lines []string, i int) int {
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return i
}

func (d *Document) setHeader(key, value string) {
	switch key {
	case KeyRole:
		d.Role = model.Role(value)
	case KeyPriority:
		d.Priority = value
	case KeyBranch:
		d.Branch = value
	case KeyCreated:
		d.Created = value
	case KeyCreatedBy:
		d.CreatedBy = value
	case KeyProject:
		d.Project = value
	case KeyBlockedBy:
		d.BlockedBy = splitList(value)
	case KeyChecks:
		d.Checks = splitList(value)
	default:
		d.Extra = append(d.Extra, Header{Key: key, Value: value})
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Bytes serializes the document. Optional headers are omitted when empty.
func (d *Document) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# [TASK-%s] %s\n\n", d.ID, d.Title)

	write := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, value)
		}
	}
	write(KeyRole, string(d.Role))
	write(KeyPriority, d.Priority)
	write(KeyBranch, d.Branch)
	write(KeyCreated, d.Created)
	write(KeyCreatedBy, d.CreatedBy)
	write(KeyProject, d.Project)
	write(KeyBlockedBy, strings.Join(d.BlockedBy, ","))
	write(KeyChecks, strings.Join(d.Checks, ","))
	for _, h := range d.Extra {
		fmt.Fprintf(&b, "%s: %s\n", h.Key, h.Value)
	}

	if d.Body != "" {
		b.WriteString("\n")
		b.WriteString(d.Body)
		b.WriteString("\n")
	}
	return b.Bytes()
}

// FromTask builds the document for t with the given body.
func FromTask(t *model.Task, body string) *Document {
	d := &Document{
		ID:        t.ID,
		Title:     t.Title,
		Role:      t.Role,
		Priority:  t.Priority,
		Branch:    t.Branch,
		Created:   t.CreatedAt.UTC().Format(time.RFC3339),
		CreatedBy: t.CreatedBy,
		BlockedBy: append([]string(nil), t.BlockedBy...),
		Checks:    append([]string(nil), t.Checks...),
		Body:      strings.TrimRight(body, "\n \t"),
	}
	if t.ProjectID != nil {
		d.Project = *t.ProjectID
	}
	return d
}

// ToTask reconstructs a minimal task record in queue q. fallbackCreated is
// used when CREATED is missing or unparseable.
func (d *Document) ToTask(q model.Queue, fallbackCreated time.Time) *model.Task {
	created := fallbackCreated
	if d.Created != "" {
		if ts, err := time.Parse(time.RFC3339, d.Created); err == nil {
			created = ts
		}
	}
	t := &model.Task{
		ID:        d.ID,
		Title:     d.Title,
		Queue:     q,
		Role:      d.Role,
		Priority:  d.Priority,
		Branch:    d.Branch,
		CreatedBy: d.CreatedBy,
		CreatedAt: created.UTC(),
		UpdatedAt: created.UTC(),
		BlockedBy: append([]string(nil), d.BlockedBy...),
		Checks:    append([]string(nil), d.Checks...),
	}
	if d.Project != "" {
		t.ProjectID = model.Ptr(d.Project)
	}
	t.ApplyDefaults()
	return t
}
