package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// FindProjectRoot returns the module root, the nearest folder above this
// package that holds go.mod.
func FindProjectRoot() (string, error) {
	_, self, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("failed to locate testutil sources")
	}

	for dir := filepath.Dir(self); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// ProjectFile returns the absolute path of a file checked in at the module
// root, such as the example configuration. It fails the test when the file
// does not exist.
func ProjectFile(t testing.TB, name string) string {
	t.Helper()
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(root, filepath.FromSlash(name))
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("project file %s: %v", name, err)
	}
	return p
}
