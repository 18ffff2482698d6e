// Package setup creates a keeper directory.
package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskkeeper/internal/config"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
	"github.com/msageha/taskkeeper/templates"
)

var ErrExists = errors.New("keeper dir already exists")

type Options struct {
	// Name overrides the project name (default: the directory basename).
	Name string
	Fs   afero.Fs
	Now  func() time.Time
}

// Run creates <projectDir>/.taskkeeper with its directories, config.yaml,
// an initialized database, and worker instructions. It returns the keeper
// dir path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	layout := keeper.Layout{Root: filepath.Join(absDir, keeper.DirName)}
	if exists, _ := afero.Exists(fsys, layout.Root); exists {
		return "", fmt.Errorf("%s: %w", layout.Root, ErrExists)
	}

	for _, d := range append(layout.Dirs(), filepath.Join(layout.Root, "instructions")) {
		if err := fsys.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	if err := mirror.New(fsys, layout.Queue(), layout.Quarantine()).Init(); err != nil {
		return "", err
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(absDir)
	}
	cfg, err := generateConfig(name, absDir, now())
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := mirror.WriteFileAtomic(fsys, layout.Config(), cfg, mirror.AtomicOptions{Validate: validateConfig}); err != nil {
		return "", fmt.Errorf("write %s: %w", config.FileName, err)
	}

	if err := copyTemplate(fsys, "gitignore", filepath.Join(layout.Root, ".gitignore")); err != nil {
		return "", err
	}
	if err := copyTemplate(fsys, "instructions/worker.md", filepath.Join(layout.Root, "instructions", "worker.md")); err != nil {
		return "", err
	}

	// The database always lives on disk; sqlite cannot use an afero Fs.
	if _, isOs := fsys.(*afero.OsFs); isOs {
		st, err := store.Open(layout.DB())
		if err != nil {
			return "", err
		}
		if err := st.Close(); err != nil {
			return "", err
		}
	}
	return layout.Root, nil
}

func copyTemplate(fsys afero.Fs, name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := mirror.WriteFileAtomic(fsys, dst, data, mirror.AtomicOptions{}); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// generateConfig fills the project block of the template. Editing the node
// tree keeps the template's comments.
func generateConfig(name, root string, created time.Time) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, config.FileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	project := mappingValue(doc.Content[0], "project")
	if project == nil {
		return nil, errors.New("config template has no project block")
	}
	setScalar(project, "name", name)
	setScalar(project, "root", root)
	setScalar(project, "created", created.UTC().Format(time.RFC3339))

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mappingValue(m *yamlv3.Node, key string) *yamlv3.Node {
	if m == nil || m.Kind != yamlv3.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setScalar(m *yamlv3.Node, key, value string) {
	if v := mappingValue(m, key); v != nil {
		v.Kind = yamlv3.ScalarNode
		v.Tag = "!!str"
		v.Style = yamlv3.DoubleQuotedStyle
		v.Value = value
		return
	}
	m.Content = append(m.Content,
		&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: key},
		&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Style: yamlv3.DoubleQuotedStyle, Value: value},
	)
}

func validateConfig(data []byte) error {
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return err
	}
	cfg.ApplyDefaults()
	return config.Validate(&cfg)
}
