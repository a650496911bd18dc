package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schaermu/b2sync/internal/checksum"
	"github.com/schaermu/b2sync/internal/content"
	"github.com/schaermu/b2sync/internal/layout"
	"github.com/schaermu/b2sync/internal/metadata"
)

// Rename, Clone and Delete mutate the remote store first and local state
// second. Each writes an intent record before the remote call and advances
// it once the remote call succeeded, so an interruption between the two
// halves can be finished by Recover.

// Rename gives a saved object a new handle remotely and locally.
func (c *Container) Rename(ctx context.Context, ref content.Ref, newHandle string) (content.Ref, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	out, err := c.rename(ctx, ref, newHandle)
	c.metrics.ObserveOperation(c.name, string(metadata.OpRename), err)
	return out, err
}

func (c *Container) rename(ctx context.Context, ref content.Ref, newHandle string) (content.Ref, error) {
	cur, err := c.begin(ref)
	if err != nil {
		return ref, err
	}
	if newHandle == cur.Handle {
		return cur, nil
	}
	if err := c.checkTarget(cur.Kind, newHandle); err != nil {
		return cur, err
	}

	obj, err := c.layout.Build(cur.Kind, cur.Handle)
	if err != nil {
		return cur, err
	}
	*obj.Base() = content.Meta{ID: cur.ID, Handle: newHandle, Revision: cur.Revision}

	objs, err := c.Objects(cur.Kind)
	if err != nil {
		return cur, err
	}

	in := metadata.Intent{
		Op:      metadata.OpRename,
		Kind:    cur.Kind,
		ID:      cur.ID,
		From:    cur.Handle,
		To:      newHandle,
		Stage:   metadata.StagePending,
		Started: time.Now().UTC(),
	}
	if err := c.store.SaveIntent(in); err != nil {
		return cur, err
	}

	updated, err := objs.Update(ctx, obj)
	if err != nil {
		c.clearIntent()
		return cur, fmt.Errorf("rename %s %q (id %s): remote update failed: %w", cur.Kind, cur.Handle, cur.ID, err)
	}

	// The update may carry local edits, so the checksum moves with the
	// revision.
	sum, err := checksum.Of(updated)
	if err != nil {
		return cur, &ConsistencyError{Op: "rename", Kind: cur.Kind, Handle: cur.Handle, ID: cur.ID, Remote: "updated", Local: "checksum", Err: err}
	}
	in.Stage = metadata.StageRemoteDone
	in.Revision = content.RevisionOf(cur.ID, updated.Base().Revision)
	in.Checksum = sum
	c.advanceIntent(in)

	if err := c.finishRename(in); err != nil {
		return cur, err
	}
	c.clearIntent()

	c.logger.Info("object renamed", "kind", cur.Kind.String(), "id", cur.ID, "from", cur.Handle, "to", newHandle)
	return c.Ref(cur.Kind, newHandle), nil
}

func (c *Container) finishRename(in metadata.Intent) error {
	fail := func(step string, err error) error {
		return &ConsistencyError{Op: "rename", Kind: in.Kind, Handle: in.From, ID: in.ID, Remote: "updated", Local: step, Err: err}
	}

	// A resumed rename may find the files already moved.
	fromExists, err := c.layout.Exists(in.Kind, in.From)
	if err != nil {
		return fail("rename", err)
	}
	if fromExists {
		if err := c.layout.Move(in.Kind, in.From, in.To); err != nil {
			return fail("rename", err)
		}
	}
	if err := c.store.RecordRename(in.Kind, in.ID, in.To, in.Revision, in.Checksum); err != nil {
		return fail("metadata update", err)
	}
	return nil
}

// Clone creates a copy of a saved object under a new handle. Page paths are
// cleared on the copy so the remote store does not see two components
// claiming the same path.
func (c *Container) Clone(ctx context.Context, ref content.Ref, newHandle string) (content.Ref, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	out, err := c.clone(ctx, ref, newHandle)
	c.metrics.ObserveOperation(c.name, string(metadata.OpClone), err)
	return out, err
}

func (c *Container) clone(ctx context.Context, ref content.Ref, newHandle string) (content.Ref, error) {
	cur, err := c.begin(ref)
	if err != nil {
		return ref, err
	}
	if err := c.checkTarget(cur.Kind, newHandle); err != nil {
		return cur, err
	}

	obj, err := c.layout.Build(cur.Kind, cur.Handle)
	if err != nil {
		return cur, err
	}
	*obj.Base() = content.Meta{Handle: newHandle}
	if comp, ok := obj.(*content.Component); ok {
		comp.Path = ""
	}

	objs, err := c.Objects(cur.Kind)
	if err != nil {
		return cur, err
	}

	in := metadata.Intent{
		Op:      metadata.OpClone,
		Kind:    cur.Kind,
		ID:      cur.ID,
		From:    cur.Handle,
		To:      newHandle,
		Stage:   metadata.StagePending,
		Started: time.Now().UTC(),
	}
	if err := c.store.SaveIntent(in); err != nil {
		return cur, err
	}

	created, err := objs.Create(ctx, obj)
	if err != nil {
		c.clearIntent()
		return cur, fmt.Errorf("clone %s %q (id %s): remote create failed: %w", cur.Kind, cur.Handle, cur.ID, err)
	}
	if err := c.remoteCloneDone(&in, created); err != nil {
		return cur, err
	}

	if err := c.finishClone(in); err != nil {
		return cur, err
	}
	c.clearIntent()

	c.logger.Info("object cloned", "kind", cur.Kind.String(), "from", cur.Handle, "to", newHandle, "id", in.NewID)
	return c.Ref(cur.Kind, newHandle), nil
}

func (c *Container) remoteCloneDone(in *metadata.Intent, created content.Object) error {
	sum, err := checksum.Of(created)
	if err != nil {
		return err
	}
	in.Stage = metadata.StageRemoteDone
	in.NewID = created.Base().ID
	in.Revision = content.RevisionOf(created.Base().ID, created.Base().Revision)
	in.Checksum = sum
	c.advanceIntent(*in)
	return nil
}

func (c *Container) finishClone(in metadata.Intent) error {
	fail := func(step string, err error) error {
		return &ConsistencyError{Op: "clone", Kind: in.Kind, Handle: in.To, ID: in.NewID, Remote: "created", Local: step, Err: err}
	}

	// Anything already at the target is a partial copy from an earlier
	// attempt: the target was checked to be free before the remote create.
	if err := c.layout.Remove(in.Kind, in.To); err != nil {
		return fail("copy", err)
	}
	if err := c.layout.Copy(in.Kind, in.From, in.To); err != nil {
		return fail("copy", err)
	}
	if in.Kind == content.KindComponent {
		if err := c.layout.ResetPath(in.To); err != nil {
			return fail("copy", err)
		}
	}
	if err := c.store.RecordSave(in.Kind, in.NewID, in.To, in.Revision, in.Checksum); err != nil {
		return fail("metadata update", err)
	}
	return nil
}

// Delete removes a saved object remotely, then locally. A remote object
// that is already gone counts as deleted, so a failed delete can simply be
// run again.
func (c *Container) Delete(ctx context.Context, ref content.Ref) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.delete(ctx, ref)
	c.metrics.ObserveOperation(c.name, string(metadata.OpDelete), err)
	return err
}

func (c *Container) delete(ctx context.Context, ref content.Ref) error {
	cur, err := c.begin(ref)
	if err != nil {
		return err
	}
	objs, err := c.Objects(cur.Kind)
	if err != nil {
		return err
	}

	in := metadata.Intent{
		Op:      metadata.OpDelete,
		Kind:    cur.Kind,
		ID:      cur.ID,
		From:    cur.Handle,
		Stage:   metadata.StagePending,
		Started: time.Now().UTC(),
	}
	if err := c.store.SaveIntent(in); err != nil {
		return err
	}

	if err := objs.Delete(ctx, cur.ID); err != nil {
		if !errors.Is(err, content.ErrNotFound) {
			c.clearIntent()
			return fmt.Errorf("delete %s %q (id %s): remote delete failed: %w", cur.Kind, cur.Handle, cur.ID, err)
		}
		c.logger.Info("object already deleted remotely", cur.LogAttrs()...)
	}

	in.Stage = metadata.StageRemoteDone
	c.advanceIntent(in)

	if err := c.finishDelete(in); err != nil {
		return err
	}
	c.clearIntent()

	c.logger.Info("object deleted", cur.LogAttrs()...)
	return nil
}

func (c *Container) finishDelete(in metadata.Intent) error {
	if err := c.layout.Remove(in.Kind, in.From); err != nil {
		return &ConsistencyError{Op: "delete", Kind: in.Kind, Handle: in.From, ID: in.ID, Remote: "deleted", Local: "removal", Err: err}
	}
	if err := c.store.RecordDelete(in.Kind, in.ID, in.From); err != nil {
		return &ConsistencyError{Op: "delete", Kind: in.Kind, Handle: in.From, ID: in.ID, Remote: "deleted", Local: "metadata update", Err: err}
	}
	return nil
}

// Recover finishes or drops an interrupted rename, clone or delete. A
// pending intent is checked against the remote store: if the mutation
// landed, the local steps are completed; otherwise the intent is dropped.
// It returns the intent it handled, or nil when there was none.
func (c *Container) Recover(ctx context.Context) (*metadata.Intent, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	in, err := c.store.PendingIntent()
	if err != nil || in == nil {
		return nil, err
	}

	err = c.recover(ctx, in)
	c.metrics.ObserveOperation(c.name, "repair", err)
	return in, err
}

func (c *Container) recover(ctx context.Context, in *metadata.Intent) error {
	logger := c.logger.With("op", in.Op, "kind", in.Kind.String(), "id", in.ID, "from", in.From, "to", in.To)

	if in.Stage == metadata.StagePending {
		landed, err := c.remoteLanded(ctx, in)
		if err != nil {
			return fmt.Errorf("failed to check remote state of interrupted %s: %w", in.Op, err)
		}
		if !landed {
			logger.Info("interrupted operation never reached the remote store, dropping it")
			return c.store.ClearIntent()
		}
		in.Stage = metadata.StageRemoteDone
		if err := c.store.SaveIntent(*in); err != nil {
			return err
		}
	}

	var err error
	switch in.Op {
	case metadata.OpRename:
		err = c.finishRename(*in)
	case metadata.OpClone:
		err = c.finishClone(*in)
	case metadata.OpDelete:
		err = c.finishDelete(*in)
	default:
		err = fmt.Errorf("unknown operation %q in intent journal", in.Op)
	}
	if err != nil {
		return err
	}

	logger.Info("interrupted operation completed")
	return c.store.ClearIntent()
}

// remoteLanded reports whether the remote mutation of a pending intent took
// effect, filling in what the remote store returned.
func (c *Container) remoteLanded(ctx context.Context, in *metadata.Intent) (bool, error) {
	objs, err := c.Objects(in.Kind)
	if err != nil {
		return false, err
	}

	switch in.Op {
	case metadata.OpRename:
		obj, err := objs.Get(ctx, in.ID)
		if err != nil {
			return false, err
		}
		if obj.Base().Handle != in.To {
			return false, nil
		}
		sum, err := checksum.Of(obj)
		if err != nil {
			return false, err
		}
		in.Revision = content.RevisionOf(in.ID, obj.Base().Revision)
		in.Checksum = sum
		return true, nil

	case metadata.OpClone:
		obj, err := objs.GetByHandle(ctx, in.To)
		if errors.Is(err, content.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		sum, err := checksum.Of(obj)
		if err != nil {
			return false, err
		}
		in.NewID = obj.Base().ID
		in.Revision = content.RevisionOf(obj.Base().ID, obj.Base().Revision)
		in.Checksum = sum
		return true, nil

	case metadata.OpDelete:
		_, err := objs.Get(ctx, in.ID)
		if errors.Is(err, content.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return false, fmt.Errorf("unknown operation %q in intent journal", in.Op)
}

// begin checks the preconditions shared by rename, clone and delete and
// returns the refreshed ref.
func (c *Container) begin(ref content.Ref) (content.Ref, error) {
	if c.queue.Busy() {
		return ref, ErrSaveInFlight
	}
	if in, err := c.store.PendingIntent(); err != nil {
		return ref, err
	} else if in != nil {
		return ref, fmt.Errorf("interrupted %s of %s %q must be repaired first", in.Op, in.Kind, in.From)
	}

	cur := c.Ref(ref.Kind, ref.Handle)
	if !cur.Saved() {
		return cur, fmt.Errorf("%s %q: %w", cur.Kind, cur.Handle, content.ErrNotSaved)
	}
	return cur, nil
}

// checkTarget rejects handles that are invalid or already taken, locally or
// in the metadata store.
func (c *Container) checkTarget(kind content.Kind, handle string) error {
	if err := layout.ValidHandle(handle); err != nil {
		return err
	}
	if id, ok := c.store.ID(kind, handle); ok {
		return &content.HandleCollisionError{Kind: kind, Handle: handle, ID: id}
	}
	exists, err := c.layout.Exists(kind, handle)
	if err != nil {
		return err
	}
	if exists {
		return &content.HandleCollisionError{Kind: kind, Handle: handle}
	}
	return nil
}

func (c *Container) advanceIntent(in metadata.Intent) {
	if err := c.store.SaveIntent(in); err != nil {
		c.logger.Warn("failed to advance intent journal", "op", in.Op, "id", in.ID, "error", err)
	}
}

func (c *Container) clearIntent() {
	if err := c.store.ClearIntent(); err != nil {
		c.logger.Warn("failed to clear intent journal", "error", err)
	}
}
