// Package workspace binds a local folder to a remote store. Every remote
// entry gets its own container below the workspace root, and the root is
// held under an exclusive lock while the workspace is open.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"

	"github.com/schaermu/b2sync/internal/container"
	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/git"
	"github.com/schaermu/b2sync/internal/metrics"
	"github.com/schaermu/b2sync/internal/remote"
	"github.com/schaermu/b2sync/internal/savequeue"
)

// RootDir is the local folder of the entry served under "/".
const RootDir = "__root"

// LockFile is the name of the lock file in the workspace root.
const LockFile = ".b2sync.lock"

var (
	// ErrLocked is returned by Open when another process holds the workspace.
	ErrLocked = errors.New("workspace is locked")
	// ErrDirty is returned by CheckClean when the work tree has changes.
	ErrDirty = errors.New("workspace has uncommitted changes")
)

// Options configures Open
type Options struct {
	Root   string
	Remote remote.Store
	// Entries restricts the workspace to these remote entries. Empty means
	// every entry.
	Entries []string
	Git     git.Client
	Metrics metrics.Metrics
	// OnPass is called after every save pass of any container.
	OnPass func(container string, r savequeue.PassReport)
}

// Workspace is an open, locked workspace
type Workspace struct {
	root       string
	lock       *flock.Flock
	git        git.Client
	containers []*container.Container
	dirs       map[string]string
	logger     *slog.Logger
}

// Open locks the workspace root and opens one container per remote entry.
// ctx bounds the lifetime of the containers' save passes.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Workspace, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	lock := flock.New(filepath.Join(root, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, root)
	}

	w := &Workspace{
		root:   root,
		lock:   lock,
		git:    opts.Git,
		dirs:   make(map[string]string),
		logger: logger,
	}
	if err := w.openContainers(ctx, opts); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return w, nil
}

func (w *Workspace) openContainers(ctx context.Context, opts Options) error {
	entries, err := opts.Remote.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote entries: %w", err)
	}

	wanted := make(map[string]bool, len(opts.Entries))
	for _, name := range opts.Entries {
		wanted[name] = true
	}
	found := make(map[string]bool)

	for _, info := range entries {
		if len(wanted) > 0 && !wanted[info.Name] {
			w.logger.Debug("skipping remote entry", "entry", info.Name)
			continue
		}
		found[info.Name] = true

		rel, err := EntryDir(info.Path)
		if err != nil {
			return fmt.Errorf("entry %s: %w", info.Name, err)
		}
		dir := filepath.Join(w.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create folder of entry %s: %w", info.Name, err)
		}

		copts := container.Options{Metrics: opts.Metrics}
		if opts.OnPass != nil {
			name := info.Name
			copts.OnPass = func(r savequeue.PassReport) { opts.OnPass(name, r) }
		}
		c, err := container.Open(ctx, info.Name, osfs.New(dir), opts.Remote.Entry(info.Name), w.logger, copts)
		if err != nil {
			return err
		}
		w.containers = append(w.containers, c)
		w.dirs[info.Name] = dir
		w.logger.Debug("container opened", "container", info.Name, "dir", dir)
	}

	for _, name := range opts.Entries {
		if !found[name] {
			return fmt.Errorf("entry %s: %w", name, content.ErrNotFound)
		}
	}

	sort.Slice(w.containers, func(i, j int) bool { return w.containers[i].Name() < w.containers[j].Name() })
	w.logger.Info("workspace opened", "root", w.root, "containers", len(w.containers))
	return nil
}

// EntryDir maps a remote entry path to its folder relative to the workspace
// root.
func EntryDir(entryPath string) (string, error) {
	trimmed := strings.Trim(entryPath, "/")
	if trimmed == "" {
		return RootDir, nil
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("unusable entry path %q", entryPath)
		}
	}
	return path.Clean(trimmed), nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Containers returns the open containers sorted by name.
func (w *Workspace) Containers() []*container.Container { return w.containers }

// Container returns the container of the named entry.
func (w *Workspace) Container(name string) (*container.Container, error) {
	for _, c := range w.containers {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("container %s: %w", name, content.ErrNotFound)
}

// Dir returns the absolute folder of the named container.
func (w *Workspace) Dir(name string) string { return w.dirs[name] }

// Locate maps an absolute file path to the container holding it and the
// object the file belongs to.
func (w *Workspace) Locate(absPath string) (*container.Container, content.Ref, error) {
	c, rel, ok := w.owner(absPath)
	if !ok {
		return nil, content.Ref{}, fmt.Errorf("%s is outside every container: %w", absPath, content.ErrNotFound)
	}
	ref, err := c.ResolvePath(rel)
	if err != nil {
		return nil, content.Ref{}, err
	}
	return c, ref, nil
}

// owner returns the container whose folder is the longest prefix of absPath,
// and absPath relative to that folder in slash form.
func (w *Workspace) owner(absPath string) (*container.Container, string, bool) {
	absPath = filepath.Clean(absPath)
	var best *container.Container
	var bestDir string
	for _, c := range w.containers {
		dir := w.dirs[c.Name()]
		if !strings.HasPrefix(absPath, dir+string(filepath.Separator)) {
			continue
		}
		if len(dir) > len(bestDir) {
			best, bestDir = c, dir
		}
	}
	if best == nil {
		return nil, "", false
	}
	rel, err := filepath.Rel(bestDir, absPath)
	if err != nil {
		return nil, "", false
	}
	return best, filepath.ToSlash(rel), true
}

// CheckClean fails with ErrDirty when the git work tree of the workspace root
// has changes. Without a git client every workspace is clean.
func (w *Workspace) CheckClean(ctx context.Context) error {
	if w.git == nil {
		return nil
	}
	changes, err := w.git.Changes(ctx, w.root)
	if err != nil {
		return fmt.Errorf("failed to check git status: %w", err)
	}
	dirty := 0
	for _, line := range changes {
		if strings.HasSuffix(line, LockFile) {
			continue
		}
		dirty++
		w.logger.Debug("uncommitted change", "status", line)
	}
	if dirty > 0 {
		return fmt.Errorf("%w (%d files), commit them or pass --force", ErrDirty, dirty)
	}
	return nil
}

// Close waits for every save queue to go idle and releases the lock.
func (w *Workspace) Close(ctx context.Context) error {
	var errs []error
	for _, c := range w.containers {
		if err := c.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", c.Name(), err))
		}
	}
	if err := w.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock workspace: %w", err))
	}
	return errors.Join(errs...)
}
