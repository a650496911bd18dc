package layout

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// tmpPrefix marks temporary files created by WriteFile. Watchers ignore them.
const tmpPrefix = ".b2sync-tmp-"

// IsTempFile reports whether name is a temporary file created by WriteFile.
func IsTempFile(name string) bool {
	base := path.Base(name)
	return len(base) >= len(tmpPrefix) && base[:len(tmpPrefix)] == tmpPrefix
}

// WriteFile writes data to name atomically: it writes a temporary file in the
// same directory and renames it over the target.
func WriteFile(fs billy.Filesystem, name string, data []byte) error {
	dir := path.Dir(name)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := util.TempFile(fs, dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := fs.Rename(tmpPath, name); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

// ReadFile reads name, returning an error matching os.ErrNotExist when the
// file is absent.
func ReadFile(fs billy.Filesystem, name string) ([]byte, error) {
	data, err := util.ReadFile(fs, name)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether name exists.
func Exists(fs billy.Filesystem, name string) (bool, error) {
	_, err := fs.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", name, err)
	}
}
