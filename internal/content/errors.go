package content

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind marks an object tagged with an unrecognized kind. It is
	// a programmer or data error and aborts whatever operation hit it.
	ErrUnknownKind = errors.New("unknown object kind")

	// ErrNotFound is returned when a local file or a remote object is absent.
	ErrNotFound = errors.New("not found")

	// ErrHandleCollision is matched by every HandleCollisionError.
	ErrHandleCollision = errors.New("handle already bound")

	// ErrNotSaved is returned by operations that need a remote id.
	ErrNotSaved = errors.New("object has not been saved remotely")

	// ErrInvalidHandle is returned for handles that are not safe file names.
	ErrInvalidHandle = errors.New("invalid handle")
)

// HandleCollisionError reports an attempt to bind a (kind, handle) pair that
// is already bound to another object.
type HandleCollisionError struct {
	Kind   Kind
	Handle string
	// ID is the id currently bound to the handle. Empty when the collision is
	// with a local-only object.
	ID string
}

func (e *HandleCollisionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %q already exists locally", e.Kind, e.Handle)
	}
	return fmt.Sprintf("%s %q is already bound to id %s", e.Kind, e.Handle, e.ID)
}

func (e *HandleCollisionError) Is(target error) bool {
	return target == ErrHandleCollision
}
