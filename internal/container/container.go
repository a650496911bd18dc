// Package container binds one remote entry to a local folder tree. A
// Container owns the entry's metadata store, its local layout and its save
// queue; every operation that touches more than one of them goes through
// here.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/layout"
	"github.com/schaermu/b2sync/internal/metadata"
	"github.com/schaermu/b2sync/internal/metrics"
	"github.com/schaermu/b2sync/internal/remote"
	"github.com/schaermu/b2sync/internal/savequeue"
)

// ErrSaveInFlight is returned by rename, clone and delete while the save
// queue is draining.
var ErrSaveInFlight = errors.New("a save is in progress")

// Options configures Open.
type Options struct {
	Metrics metrics.Metrics
	// OnPass is called after every save queue pass.
	OnPass func(savequeue.PassReport)
}

// Container is one bound remote entry.
type Container struct {
	name    string
	fs      billy.Filesystem
	layout  *layout.Layout
	store   *metadata.Store
	entry   remote.Entry
	queue   *savequeue.Queue
	metrics metrics.Metrics
	logger  *slog.Logger

	// opMu serializes rename, clone, delete and recovery. They share the
	// single intent journal slot.
	opMu sync.Mutex
}

// Open loads the container's metadata from fs and prepares its save queue.
// ctx bounds the lifetime of save passes started later.
func Open(ctx context.Context, name string, fs billy.Filesystem, entry remote.Entry, logger *slog.Logger, opts Options) (*Container, error) {
	logger = logger.With("container", name)
	c := &Container{
		name:    name,
		fs:      fs,
		layout:  layout.New(fs),
		store:   metadata.New(fs, layout.LocalDir, logger),
		entry:   entry,
		metrics: metrics.Or(opts.Metrics),
		logger:  logger,
	}
	if err := c.store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load metadata of %s: %w", name, err)
	}

	onPass := func(r savequeue.PassReport) {
		c.metrics.ObservePass(c.name, len(r.Saved), len(r.Failed))
		c.metrics.SetQueueBusy(c.name, c.queue.Pending() > 0)
		if opts.OnPass != nil {
			opts.OnPass(r)
		}
	}
	c.queue = savequeue.New(ctx, c.Save, logger, savequeue.WithReport(onPass))

	in, err := c.store.PendingIntent()
	if err != nil {
		return nil, err
	}
	if in != nil {
		logger.Warn("interrupted operation found, run repair to finish it",
			"op", in.Op, "kind", in.Kind.String(), "id", in.ID, "from", in.From, "to", in.To, "stage", in.Stage)
	}
	return c, nil
}

// Name returns the remote entry name.
func (c *Container) Name() string { return c.name }

// FS returns the container filesystem.
func (c *Container) FS() billy.Filesystem { return c.fs }

// Layout returns the container's local layout.
func (c *Container) Layout() *layout.Layout { return c.layout }

// Store returns the container's metadata store.
func (c *Container) Store() *metadata.Store { return c.store }

// Entry returns the remote entry.
func (c *Container) Entry() remote.Entry { return c.entry }

// Logger returns the container-scoped logger.
func (c *Container) Logger() *slog.Logger { return c.logger }

// Metrics returns the container's metrics sink.
func (c *Container) Metrics() metrics.Metrics { return c.metrics }

// Reload re-reads the metadata maps from disk.
func (c *Container) Reload() error {
	if err := c.store.Load(); err != nil {
		return fmt.Errorf("failed to reload metadata of %s: %w", c.name, err)
	}
	c.logger.Info("metadata reloaded")
	return nil
}

// Objects returns the remote collection for kind.
func (c *Container) Objects(kind content.Kind) (remote.Objects, error) {
	return c.entry.Objects(kind)
}

// Ref returns what the container knows about the object kind/handle. The
// object need not exist locally.
func (c *Container) Ref(kind content.Kind, handle string) content.Ref {
	ref := content.Ref{Kind: kind, Handle: handle}
	ref.Path, _ = layout.ObjectPath(kind, handle)
	if id, ok := c.store.ID(kind, handle); ok {
		ref.ID = id
		ref.Revision, _ = c.store.Revision(id)
		ref.Checksum, _ = c.store.Checksum(id)
	}
	return ref
}

// ResolvePath maps a path relative to the container root to its object.
// Paths that are not object files yield content.ErrNotFound.
func (c *Container) ResolvePath(rel string) (content.Ref, error) {
	kind, handle, ok := layout.Classify(rel)
	if !ok {
		return content.Ref{}, fmt.Errorf("%s is not an object file: %w", rel, content.ErrNotFound)
	}
	return c.Ref(kind, handle), nil
}

// ResolveID maps a remote id to its bound object.
func (c *Container) ResolveID(id string) (content.Ref, error) {
	key, ok := c.store.Handle(id)
	if !ok {
		return content.Ref{}, fmt.Errorf("id %s is not bound in %s: %w", id, c.name, content.ErrNotFound)
	}
	return c.Ref(key.Kind, key.Handle), nil
}

// Enqueue schedules saves of refs.
func (c *Container) Enqueue(refs ...content.Ref) {
	if len(refs) == 0 {
		return
	}
	c.metrics.SetQueueBusy(c.name, true)
	c.queue.Enqueue(refs...)
}

// Wait blocks until the save queue is idle.
func (c *Container) Wait(ctx context.Context) error {
	return c.queue.Wait(ctx)
}

// Busy reports whether the save queue is draining.
func (c *Container) Busy() bool {
	return c.queue.Busy()
}
