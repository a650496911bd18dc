package container

import (
	"context"
	"fmt"
	"time"

	"github.com/schaermu/b2sync/internal/checksum"
	"github.com/schaermu/b2sync/internal/content"
)

// Save uploads one object from its local files. The ref is re-resolved
// against the metadata store first, so an object queued twice before its
// first create completes is updated the second time rather than created
// again. Objects without an id are created, the others updated. The
// checksum recorded afterwards is computed from the object the remote store
// returned.
func (c *Container) Save(ctx context.Context, ref content.Ref) error {
	cur := c.Ref(ref.Kind, ref.Handle)

	obj, err := c.layout.Build(cur.Kind, cur.Handle)
	if err != nil {
		return fmt.Errorf("failed to build %s %q: %w", cur.Kind, cur.Handle, err)
	}
	objs, err := c.Objects(cur.Kind)
	if err != nil {
		return err
	}

	created := !cur.Saved()
	start := time.Now()
	var saved content.Object
	if created {
		saved, err = objs.Create(ctx, obj)
	} else {
		obj.Base().ID = cur.ID
		obj.Base().Revision = cur.Revision
		saved, err = objs.Update(ctx, obj)
	}
	c.metrics.ObserveSave(c.name, cur.Kind, created, time.Since(start), err)
	if err != nil {
		verb := "update"
		if created {
			verb = "create"
		}
		return fmt.Errorf("remote %s failed: %w", verb, err)
	}

	sum, err := checksum.Of(saved)
	if err != nil {
		return err
	}
	meta := saved.Base()
	rev := content.RevisionOf(meta.ID, meta.Revision)
	if err := c.store.RecordSave(cur.Kind, meta.ID, cur.Handle, rev, sum); err != nil {
		return fmt.Errorf("saved remotely as id %s but failed to record metadata: %w", meta.ID, err)
	}

	c.logger.Info("object saved", "kind", cur.Kind.String(), "handle", cur.Handle, "id", meta.ID, "revision", rev, "created", created)
	return nil
}
