// Package agentstate reads the liveness snapshots workers publish under
// agents/<name>/. Workers own these files; this package never writes them.
package agentstate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"

	"github.com/msageha/taskkeeper/internal/model"
)

const (
	StateFileName     = "state.json"
	HeartbeatFileName = "heartbeat"
)

var ErrNoState = errors.New("no agent state")

//go:embed schema.json
var schemaJSON []byte

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse agent state schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("agent-state.json", doc); err != nil {
		return nil, fmt.Errorf("add agent state schema: %w", err)
	}
	return c.Compile("agent-state.json")
}

// Reader loads agent state from <dir>/<name>/state.json.
type Reader struct {
	fs     afero.Fs
	dir    string
	schema *jsonschema.Schema
}

func NewReader(fs afero.Fs, dir string) (*Reader, error) {
	sch, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Reader{fs: fs, dir: dir, schema: sch}, nil
}

func (r *Reader) Dir() string {
	return r.dir
}

// Load returns the state of one agent. A missing state file yields
// ErrNoState; a file that fails the schema is an error.
func (r *Reader) Load(name string) (*model.AgentRuntimeState, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid agent name %q", name)
	}
	path := filepath.Join(r.dir, name, StateFileName)
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNoState)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := r.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	var st model.AgentRuntimeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	st.Name = name
	if hb, ok := r.heartbeat(name); ok {
		st.Heartbeat = &hb
	}
	return &st, nil
}

// heartbeat reads the optional heartbeat file. Its content is an RFC3339
// timestamp; an empty or unparseable file falls back to its mtime.
func (r *Reader) heartbeat(name string) (time.Time, bool) {
	path := filepath.Join(r.dir, name, HeartbeatFileName)
	fi, err := r.fs.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	data, err := afero.ReadFile(r.fs, path)
	if err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data))); perr == nil {
			return ts, true
		}
	}
	return fi.ModTime(), true
}

// Names lists agents that have a directory under the agents dir.
func (r *Reader) Names() ([]string, error) {
	infos, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	var names []string
	for _, fi := range infos {
		if fi.IsDir() && !strings.HasPrefix(fi.Name(), ".") {
			names = append(names, fi.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadAll returns every readable agent state. Agents whose state cannot be
// loaded are reported in errs keyed by name.
func (r *Reader) LoadAll() ([]*model.AgentRuntimeState, map[string]error, error) {
	names, err := r.Names()
	if err != nil {
		return nil, nil, err
	}
	var states []*model.AgentRuntimeState
	errs := make(map[string]error)
	for _, name := range names {
		st, err := r.Load(name)
		if err != nil {
			errs[name] = err
			continue
		}
		states = append(states, st)
	}
	return states, errs, nil
}
