package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/layout"
	b2sync "github.com/schaermu/b2sync/internal/sync"
	"github.com/schaermu/b2sync/internal/workspace"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Save local changes to the remote store as they happen",
	Long: `Watch observes the workspace folders and queues a save whenever an object
file is written. Saves of one container run one at a time; changes made while
a save is running are picked up by the next pass.

Deletions are not propagated. Use the delete command to remove objects.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		w, err := newWatcher(a.ws, a.logger)
		if err != nil {
			return err
		}
		defer func() {
			_ = w.Close()
		}()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", a.ws.Root())
		return w.Run(ctx)
	})
}

// watcher queues saves for object files changed below the workspace root.
type watcher struct {
	ws      *workspace.Workspace
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	onQueue func(path string)
}

func newWatcher(ws *workspace.Workspace, logger *slog.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &watcher{ws: ws, fsw: fsw, logger: logger}
	if err := w.addTree(ws.Root()); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and every folder below it except hidden ones.
func (w *watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.logger.Debug("watching directory", "path", path)
		return nil
	})
}

// skipDir reports hidden folders, which include the metadata folder.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Run processes file events until ctx is cancelled.
func (w *watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Gone again, e.g. an editor's swap file.
		return
	}
	if info.IsDir() {
		if skipDir(filepath.Base(ev.Name)) {
			return
		}
		if err := w.addTree(ev.Name); err != nil {
			w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
		}
		return
	}
	if layout.IsTempFile(filepath.Base(ev.Name)) {
		return
	}

	c, ref, err := w.ws.Locate(ev.Name)
	if err != nil {
		if !errors.Is(err, content.ErrNotFound) {
			w.logger.Warn("failed to resolve changed file", "path", ev.Name, "error", err)
		}
		return
	}

	w.logger.Info("queuing save", "container", c.Name(), "kind", ref.Kind.String(), "handle", ref.Handle)
	c.Enqueue(ref)
	if w.onQueue != nil {
		w.onQueue(ev.Name)
	}
}

func (w *watcher) Close() error {
	return w.fsw.Close()
}
