package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	if err != nil {
		t.Fatalf("FindProjectRoot returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		t.Fatalf("go.mod not found at %s: %v", root, err)
	}
	if _, err := os.Stat(filepath.Join(root, "internal", "testutil")); err != nil {
		t.Fatalf("%s is not the module root: %v", root, err)
	}
}

func TestProjectFile(t *testing.T) {
	p := ProjectFile(t, "b2sync.example.yaml")
	if !filepath.IsAbs(p) {
		t.Errorf("expected absolute path, got %s", p)
	}
}
