// Package snapshot manages durable checkpoints of compute-session state.
package snapshot

import (
	"context"
	"errors"

	"github.com/emberlane/rollupd/internal/model"
)

// ErrNoSnapshot is returned by GetLatest when the store holds no snapshot
// yet. A fresh deployment must be bootstrapped with a genesis snapshot
// before the runner can start.
var ErrNoSnapshot = errors.New("no snapshot available")

// Manager is the capability the runner needs from a snapshot backend.
type Manager interface {
	// GetLatest returns the most recently persisted snapshot.
	GetLatest(ctx context.Context) (model.Snapshot, error)

	// GetStorageDirectory allocates a fresh, writable location for a
	// snapshot tagged with the given epoch. Nothing is recorded as latest
	// until SetLatest is called with the returned snapshot.
	GetStorageDirectory(ctx context.Context, epoch uint64) (model.Snapshot, error)

	// SetLatest atomically updates the latest pointer to the given
	// snapshot.
	SetLatest(ctx context.Context, snap model.Snapshot) error
}
