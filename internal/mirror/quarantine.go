package mirror

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// QuarantineFile moves path into dir as "<name>.<timestamp>.corrupt" and
// returns the new path.
func QuarantineFile(fs afero.Fs, dir, path string, now time.Time) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	base := filepath.Base(path)
	target := filepath.Join(dir, fmt.Sprintf("%s.%s.corrupt", base, now.Format("20060102T150405")))
	for n := 1; ; n++ {
		exists, err := afero.Exists(fs, target)
		if err != nil {
			return "", fmt.Errorf("stat quarantine target: %w", err)
		}
		if !exists {
			break
		}
		target = filepath.Join(dir, fmt.Sprintf("%s.%s-%d.corrupt", base, now.Format("20060102T150405"), n))
	}
	if err := fs.Rename(path, target); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return target, nil
}

// QuarantinedFiles lists the names currently in the quarantine dir.
func QuarantinedFiles(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if exists, _ := afero.DirExists(fs, dir); !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("read quarantine dir: %w", err)
	}
	var names []string
	for _, fi := range infos {
		if !fi.IsDir() {
			names = append(names, fi.Name())
		}
	}
	return names, nil
}
