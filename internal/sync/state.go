package sync

import (
	"fmt"

	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/metadata"
	"github.com/schaermu/b2sync/internal/remote"
)

// Plan is the set of changes a pull will make to one container
type Plan struct {
	Container string
	Kinds     []KindPlan
}

// KindPlan holds the changes for one kind
type KindPlan struct {
	Kind content.Kind
	// Fetch lists the remote objects that are new or whose revision differs
	// from the stored one.
	Fetch []remote.Snapshot
	// Unchanged counts remote objects whose revision matches.
	Unchanged int
	// Prune lists local bindings whose id is gone remotely. Only filled when
	// pruning is enabled.
	Prune []metadata.Binding
}

// FetchCount returns the number of objects to fetch across all kinds.
func (p *Plan) FetchCount() int {
	n := 0
	for _, k := range p.Kinds {
		n += len(k.Fetch)
	}
	return n
}

// PruneCount returns the number of objects to prune across all kinds.
func (p *Plan) PruneCount() int {
	n := 0
	for _, k := range p.Kinds {
		n += len(k.Prune)
	}
	return n
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return p.FetchCount() == 0 && p.PruneCount() == 0
}

// Progress is reported after every fetched batch.
type Progress struct {
	Container string
	Kind      content.Kind
	Done      int
	Total     int
}

// Result summarizes a pull.
type Result struct {
	Plan    *Plan
	Fetched int
	Pruned  int
	DryRun  bool
}

// PipelineAbortedError is returned when a batch of a pull fails. Nothing of
// the pull is committed to the metadata store.
type PipelineAbortedError struct {
	Container string
	Kind      content.Kind
	// Batch is the zero-based index of the failing batch within its kind.
	Batch int
	Err   error
}

func (e *PipelineAbortedError) Error() string {
	return fmt.Sprintf("pull of %s aborted at %s batch %d: %v", e.Container, e.Kind.Plural(), e.Batch, e.Err)
}

func (e *PipelineAbortedError) Unwrap() error { return e.Err }
