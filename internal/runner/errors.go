package runner

import (
	"fmt"

	"github.com/emberlane/rollupd/internal/model"
)

// The runner performs no internal retries: every collaborator failure is
// wrapped with the operation that failed and propagated to the caller, which
// is expected to terminate the process and let a supervisor restart it.

// SessionError attributes a failure to the compute session.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("compute session: failed to %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// LogError attributes a failure to the event log.
type LogError struct {
	Op  string
	Err error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("event log: failed to %s: %v", e.Op, e.Err)
}

func (e *LogError) Unwrap() error { return e.Err }

// SnapshotError attributes a failure to the snapshot store.
type SnapshotError struct {
	Op  string
	Err error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot store: failed to %s: %v", e.Op, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// ChainIntegrityError reports a consumed event whose parent id does not
// match the previously consumed event. It indicates log corruption or a
// concurrent second consumer and must not be retried blindly.
type ChainIntegrityError struct {
	Expected model.EventID
	Got      model.EventID
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("parent id doesn't match: expected=%s got=%s", e.Expected, e.Got)
}
