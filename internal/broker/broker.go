// Package broker exposes the rollup event log: the ordered input stream the
// runner consumes and the claim stream it publishes to.
package broker

import (
	"context"
	"errors"

	"github.com/emberlane/rollupd/internal/model"
)

// ErrNotFound is returned when a finish-epoch event cannot be located in the
// input stream. The snapshot and the log have diverged; this is not
// retryable.
var ErrNotFound = errors.New("finish epoch event not found")

// ErrDuplicateClaim is returned when the claim stream rejects a publish as a
// duplicate of an already produced claim.
var ErrDuplicateClaim = errors.New("claim already produced")

// Broker is the event-log capability the runner depends on.
type Broker interface {
	// FindPreviousFinishEpoch locates the finish-epoch event that precedes
	// resuming into the given epoch and returns its id. Epoch 0 resumes
	// from the start of the stream.
	FindPreviousFinishEpoch(ctx context.Context, epoch uint64) (model.EventID, error)

	// ConsumeInput blocks until the event following `after` is available
	// and returns it.
	ConsumeInput(ctx context.Context, after model.EventID) (model.Event, error)

	// WasClaimProduced reports whether a claim for the given epoch is
	// already on the claim stream.
	WasClaimProduced(ctx context.Context, epoch uint64) (bool, error)

	// ProduceClaim publishes the claim for the given epoch.
	ProduceClaim(ctx context.Context, epoch uint64, claim model.EpochClaim) error
}
