package mirror

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// AtomicOptions controls WriteFileAtomic.
type AtomicOptions struct {
	// Validate re-checks the bytes read back from the temp file.
	Validate func([]byte) error
}

// WriteFileAtomic writes content to a temp file in the target directory,
// syncs and validates it, then renames it over path.
func WriteFileAtomic(fs afero.Fs, path string, content []byte, opts AtomicOptions) error {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fs, dir, ".taskkeeper-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		_ = tmp.Close()
		if !renamed {
			_ = fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if opts.Validate != nil {
		written, err := afero.ReadFile(fs, tmpName)
		if err != nil {
			return fmt.Errorf("read temp file for validation: %w", err)
		}
		if err := opts.Validate(written); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	if err := fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	renamed = true
	return nil
}
