package sync

import (
	"context"
	"fmt"

	"github.com/schaermu/b2sync/internal/checksum"
	"github.com/schaermu/b2sync/internal/container"
	"github.com/schaermu/b2sync/internal/content"
)

// Outcome is the result of reconciling one object.
type Outcome int

const (
	// InSync: checksum and revision already match.
	InSync Outcome = iota
	// RevisionRefreshed: the content matches but the remote revision moved
	// on; the stored revision was updated.
	RevisionRefreshed
	// ConflictKept: the content differs and the local version was kept.
	ConflictKept
	// ConflictOverwritten: the content differs and the local files were
	// replaced with the remote version.
	ConflictOverwritten
)

func (o Outcome) String() string {
	switch o {
	case InSync:
		return "in sync"
	case RevisionRefreshed:
		return "revision refreshed"
	case ConflictKept:
		return "conflict, local version kept"
	case ConflictOverwritten:
		return "conflict, local version replaced by remote"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Reconciliation describes a reconciled object.
type Reconciliation struct {
	Ref            content.Ref
	RemoteRevision string
	RemoteChecksum string
	Outcome        Outcome
}

// Conflict reports whether local and remote content differ.
func (r *Reconciliation) Conflict() bool {
	return r.Outcome == ConflictKept || r.Outcome == ConflictOverwritten
}

// ConfirmFunc decides a conflict. Returning true replaces the local files
// with the remote version.
type ConfirmFunc func(r Reconciliation) (bool, error)

// Reconcile compares a saved object with its remote version. Equal
// checksums only refresh the stored revision. Differing checksums are a
// conflict: the local files are overwritten only when confirm agrees, and
// nothing is ever written to the remote store.
func (e *Engine) Reconcile(ctx context.Context, c *container.Container, ref content.Ref, confirm ConfirmFunc) (*Reconciliation, error) {
	cur := c.Ref(ref.Kind, ref.Handle)
	if !cur.Saved() {
		return nil, fmt.Errorf("%s %q: %w", cur.Kind, cur.Handle, content.ErrNotSaved)
	}

	objs, err := c.Objects(cur.Kind)
	if err != nil {
		return nil, err
	}
	obj, err := objs.Get(ctx, cur.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %q (id %s): %w", cur.Kind, cur.Handle, cur.ID, err)
	}
	sum, err := checksum.Of(obj)
	if err != nil {
		return nil, err
	}

	rec := &Reconciliation{
		Ref:            cur,
		RemoteRevision: content.RevisionOf(cur.ID, obj.Base().Revision),
		RemoteChecksum: sum,
	}
	logger := e.logger.With(append([]any{"container", c.Name()}, cur.LogAttrs()...)...)

	if sum == cur.Checksum {
		if rec.RemoteRevision == cur.Revision {
			rec.Outcome = InSync
			return rec, nil
		}
		if err := c.Store().RecordSave(cur.Kind, cur.ID, cur.Handle, rec.RemoteRevision, sum); err != nil {
			return nil, err
		}
		logger.Info("revision refreshed", "from", cur.Revision, "to", rec.RemoteRevision)
		rec.Outcome = RevisionRefreshed
		return rec, nil
	}

	rec.Outcome = ConflictKept
	logger.Warn("local and remote content differ", "local_checksum", cur.Checksum, "remote_checksum", sum, "remote_revision", rec.RemoteRevision)
	if confirm == nil {
		return rec, nil
	}
	take, err := confirm(*rec)
	if err != nil {
		return nil, err
	}
	if !take {
		return rec, nil
	}

	obj.Base().Handle = cur.Handle
	if err := c.Layout().Write(obj); err != nil {
		return nil, fmt.Errorf("failed to overwrite %s %q: %w", cur.Kind, cur.Handle, err)
	}
	if err := c.Store().RecordSave(cur.Kind, cur.ID, cur.Handle, rec.RemoteRevision, sum); err != nil {
		return nil, err
	}
	logger.Info("local files replaced with remote version", "revision", rec.RemoteRevision)
	rec.Outcome = ConflictOverwritten
	return rec, nil
}
