// Package sync pulls remote content into containers and reconciles single
// objects against the remote store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/b2sync/internal/checksum"
	"github.com/schaermu/b2sync/internal/container"
	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/layout"
	"github.com/schaermu/b2sync/internal/metadata"
	"github.com/schaermu/b2sync/internal/remote"
)

// DefaultBatchSize is the number of ids fetched per round trip.
const DefaultBatchSize = 100

// Options configures an Engine
type Options struct {
	BatchSize int
	// Concurrency bounds how many batches of one kind are fetched at once.
	Concurrency int
	Prune       bool
	DryRun      bool
	// Progress, when set, is called after every batch. Calls may come from
	// several goroutines at once when Concurrency > 1.
	Progress func(Progress)
}

// Engine orchestrates pulls
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a new pull engine
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Engine{opts: opts, logger: logger}
}

// Pull brings the container up to date with the remote store. Only objects
// whose remote revision differs from the stored one are fetched. Files are
// written batch by batch; the metadata maps are updated once, after every
// batch succeeded.
func (e *Engine) Pull(ctx context.Context, c *container.Container) (*Result, error) {
	start := time.Now()
	res, err := e.pull(ctx, c)
	if e.opts.DryRun && err == nil {
		return res, nil
	}
	var fetched, pruned int
	if res != nil {
		fetched, pruned = res.Fetched, res.Pruned
	}
	c.Metrics().ObservePull(c.Name(), fetched, pruned, time.Since(start), err)
	return res, err
}

func (e *Engine) pull(ctx context.Context, c *container.Container) (*Result, error) {
	logger := e.logger.With("container", c.Name())
	logger.Info("starting pull", "dry_run", e.opts.DryRun, "prune", e.opts.Prune)

	plan, err := e.buildPlan(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull plan: %w", err)
	}

	logger.Info("pull plan", "fetch", plan.FetchCount(), "prune", plan.PruneCount())

	res := &Result{Plan: plan, DryRun: e.opts.DryRun}
	if e.opts.DryRun {
		e.logPlanDetails(logger, plan)
		logger.Info("dry-run complete, no changes applied")
		return res, nil
	}
	if plan.Empty() {
		logger.Info("already up to date")
		return res, nil
	}

	stage := newStaging()
	for _, kp := range plan.Kinds {
		if err := e.fetchKind(ctx, c, kp, stage); err != nil {
			return res, err
		}
	}

	patch, stale := stage.patch(c.Store())
	for _, kp := range plan.Kinds {
		for _, b := range kp.Prune {
			patch.Removed = append(patch.Removed, b.ID)
		}
	}

	// Files of pruned objects go only once their bindings are gone, so a
	// failed commit leaves them bound and intact.
	if err := c.Store().Apply(patch); err != nil {
		return res, fmt.Errorf("failed to commit pulled metadata: %w", err)
	}

	var pruneErrs []error
	for _, kp := range plan.Kinds {
		for _, b := range kp.Prune {
			logger.Info("pruning object", "kind", kp.Kind.String(), "handle", b.Handle, "id", b.ID)
			if err := c.Layout().Remove(kp.Kind, b.Handle); err != nil {
				pruneErrs = append(pruneErrs, fmt.Errorf("failed to prune %s %q: %w", kp.Kind, b.Handle, err))
			}
		}
	}

	// Objects renamed remotely leave their old files behind until the new
	// binding is committed.
	for _, s := range stale {
		logger.Info("removing files of remotely renamed object", "kind", s.Kind.String(), "handle", s.Handle)
		if err := c.Layout().Remove(s.Kind, s.Handle); err != nil {
			logger.Warn("failed to remove stale files", "kind", s.Kind.String(), "handle", s.Handle, "error", err)
		}
	}

	res.Fetched = len(patch.Revisions)
	res.Pruned = len(patch.Removed)
	if err := errors.Join(pruneErrs...); err != nil {
		return res, err
	}
	logger.Info("pull completed successfully", "fetched", res.Fetched, "pruned", res.Pruned)
	return res, nil
}

// buildPlan lists the remote snapshots of every kind and diffs them against
// the stored revisions.
func (e *Engine) buildPlan(ctx context.Context, c *container.Container) (*Plan, error) {
	plan := &Plan{Container: c.Name()}
	store := c.Store()

	for _, kind := range content.Kinds {
		objs, err := c.Objects(kind)
		if err != nil {
			return nil, err
		}
		snaps, err := objs.ListSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s snapshot: %w", kind.Plural(), err)
		}

		kp := KindPlan{Kind: kind}
		remoteIDs := make(map[string]bool, len(snaps))
		for _, snap := range snaps {
			snap.Revision = content.RevisionOf(snap.ID, snap.Revision)
			remoteIDs[snap.ID] = true
			if stored, ok := store.Revision(snap.ID); ok && stored == snap.Revision {
				kp.Unchanged++
				continue
			}
			kp.Fetch = append(kp.Fetch, snap)
		}

		if e.opts.Prune {
			for _, b := range store.Bindings(kind) {
				if !remoteIDs[b.ID] {
					kp.Prune = append(kp.Prune, b)
				}
			}
		}
		plan.Kinds = append(plan.Kinds, kp)
	}
	return plan, nil
}

// fetchKind fetches the changed objects of one kind in batches and writes
// them to the local layout.
func (e *Engine) fetchKind(ctx context.Context, c *container.Container, kp KindPlan, stage *staging) error {
	if len(kp.Fetch) == 0 {
		return nil
	}
	objs, err := c.Objects(kp.Kind)
	if err != nil {
		return err
	}

	batches := chunk(kp.Fetch, e.opts.BatchSize)
	var mu gosync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			if err := e.fetchBatch(gctx, c, objs, kp.Kind, batch, stage); err != nil {
				return &PipelineAbortedError{Container: c.Name(), Kind: kp.Kind, Batch: i, Err: err}
			}

			mu.Lock()
			done += len(batch)
			p := Progress{Container: c.Name(), Kind: kp.Kind, Done: done, Total: len(kp.Fetch)}
			mu.Unlock()

			e.logger.Debug("batch fetched", "container", c.Name(), "kind", kp.Kind.String(), "done", p.Done, "total", p.Total)
			if e.opts.Progress != nil {
				e.opts.Progress(p)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) fetchBatch(ctx context.Context, c *container.Container, objs remote.Objects, kind content.Kind, batch []remote.Snapshot, stage *staging) error {
	ids := make([]string, len(batch))
	for i, s := range batch {
		ids[i] = s.ID
	}

	fetched, err := objs.GetBatch(ctx, ids)
	if err != nil {
		return err
	}

	for _, obj := range fetched {
		if obj.Kind() != kind {
			return fmt.Errorf("%w: got %s in %s batch", content.ErrUnknownKind, obj.Kind(), kind.Plural())
		}
		meta := obj.Base()
		if err := layout.ValidHandle(meta.Handle); err != nil {
			return fmt.Errorf("remote %s %s: %w", kind, meta.ID, err)
		}
		sum, err := checksum.Of(obj)
		if err != nil {
			return err
		}
		if err := c.Layout().Write(obj); err != nil {
			return fmt.Errorf("failed to write %s %q: %w", kind, meta.Handle, err)
		}
		stage.add(kind, meta.ID, meta.Handle, content.RevisionOf(meta.ID, meta.Revision), sum)
	}
	return nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, plan *Plan) {
	for _, kp := range plan.Kinds {
		for _, s := range kp.Fetch {
			logger.Info("[dry-run] would fetch", "kind", kp.Kind.String(), "id", s.ID, "revision", s.Revision)
		}
		for _, b := range kp.Prune {
			logger.Info("[dry-run] would prune", "kind", kp.Kind.String(), "handle", b.Handle, "id", b.ID)
		}
	}
}
