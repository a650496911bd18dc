package container

import (
	"fmt"

	"github.com/schaermu/b2sync/internal/content"
)

// ConsistencyError reports a failure after the remote mutation of an
// operation succeeded. Local and remote state disagree until the operation
// is finished by Recover or by running it again.
type ConsistencyError struct {
	Op     string
	Kind   content.Kind
	Handle string
	ID     string
	// Remote describes what happened remotely, e.g. "updated".
	Remote string
	// Local names the step that failed, e.g. "rename".
	Local string
	Err   error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s %s %q (id %s): remote %s but local %s failed: %v",
		e.Op, e.Kind, e.Handle, e.ID, e.Remote, e.Local, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }
