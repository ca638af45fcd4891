// Package session drives the external compute engine that applies rollup
// inputs and produces epoch claims.
package session

import (
	"context"
	"errors"

	"github.com/emberlane/rollupd/internal/model"
)

// Sentinel errors mapped from the engine's gRPC status codes.
var (
	ErrSessionUnreachable = errors.New("compute engine unreachable")
	ErrAlreadyActive      = errors.New("session already active")
	ErrInvalidSnapshot    = errors.New("invalid snapshot")
	ErrRejectedInput      = errors.New("input rejected")
	ErrCheckpointFailed   = errors.New("checkpoint failed")
	ErrClaimNotReady      = errors.New("claim not ready")
)

// Session is the compute-session capability the runner depends on. All
// operations address the single session held by this process; only one
// runner may drive a given session.
type Session interface {
	// StartSession starts a session from the checkpoint at snapshotPath,
	// declaring epoch as the active epoch.
	StartSession(ctx context.Context, snapshotPath string, epoch uint64) error

	// AdvanceState feeds one input into the session, addressed at
	// (epochIndex, inputIndex).
	AdvanceState(ctx context.Context, epochIndex, inputIndex uint64, metadata model.InputMetadata, payload []byte) error

	// FinishEpoch closes epochIndex, writing the session checkpoint to
	// snapshotPath.
	FinishEpoch(ctx context.Context, epochIndex uint64, snapshotPath string) error

	// GetEpochClaim retrieves the claim for a finished epoch.
	GetEpochClaim(ctx context.Context, epochIndex uint64) (model.EpochClaim, error)
}
