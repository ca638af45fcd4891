// Package runner contains the orchestration loop that drives off-chain
// rollup execution: it recovers its position from the latest snapshot,
// consumes the input stream in order, advances the compute session one input
// at a time, and finalizes epochs by checkpointing state and publishing
// claims.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emberlane/rollupd/internal/broker"
	"github.com/emberlane/rollupd/internal/model"
	"github.com/emberlane/rollupd/internal/session"
	"github.com/emberlane/rollupd/internal/snapshot"
)

// Runner reconciles three independently failing systems (event log, compute
// session, snapshot store) into one recovery protocol. It is strictly
// sequential: one event is fully processed, including all side effects,
// before the next is requested.
type Runner struct {
	session   session.Session
	broker    broker.Broker
	snapshots snapshot.Manager
	metrics   *Metrics
	logger    *slog.Logger
}

// New wires a runner. metrics may be nil.
func New(sess session.Session, b broker.Broker, snaps snapshot.Manager, metrics *Metrics, logger *slog.Logger) *Runner {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Runner{
		session:   sess,
		broker:    b,
		snapshots: snaps,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run recovers prior progress and then processes events until ctx is
// canceled or a collaborator fails. It never retries internally; callers
// terminate the process on error and rely on a supervisor restart, which
// re-enters recovery.
func (r *Runner) Run(ctx context.Context) error {
	lastID, err := r.setup(ctx)
	if err != nil {
		return err
	}

	r.logger.Info("starting runner main loop", "last_id", lastID)
	for {
		event, err := r.consumeNext(ctx, lastID)
		if err != nil {
			return err
		}
		r.logger.Info("consumed input event",
			"id", event.ID,
			"epoch", event.Payload.EpochIndex,
		)

		switch data := event.Payload.Data.(type) {
		case *model.AdvanceStateInput:
			err = r.handleAdvance(
				ctx,
				event.Payload.EpochIndex,
				event.Payload.InputsSentCount-1,
				data.Metadata,
				data.Payload,
			)
		case *model.FinishEpoch:
			err = r.handleFinish(ctx, event.Payload.EpochIndex)
		default:
			err = fmt.Errorf("unknown event data type %T", event.Payload.Data)
		}
		if err != nil {
			return err
		}

		lastID = event.ID
		r.logger.Debug("waiting for the next input event", "last_id", lastID)
	}
}

// setup re-establishes the runner's position purely from the latest
// snapshot: the snapshot's epoch locates the finish-epoch event that created
// it, and the session restarts from the snapshot's checkpoint. No separately
// persisted stream cursor exists; the cross-check between snapshot and log
// is what detects divergence.
func (r *Runner) setup(ctx context.Context) (model.EventID, error) {
	snap, err := r.snapshots.GetLatest(ctx)
	if err != nil {
		return "", &SnapshotError{Op: "get latest snapshot", Err: err}
	}
	r.logger.Info("got latest snapshot", "path", snap.Path, "epoch", snap.Epoch)

	eventID, err := r.broker.FindPreviousFinishEpoch(ctx, snap.Epoch)
	if err != nil {
		return "", &LogError{Op: "find finish epoch event", Err: err}
	}
	r.logger.Debug("found finish epoch input event", "event_id", eventID)

	if err := r.session.StartSession(ctx, snap.Path, snap.Epoch); err != nil {
		return "", &SessionError{Op: "create session", Err: err}
	}

	return eventID, nil
}

// consumeNext pulls the event after lastID and verifies it chains from it.
// A parent mismatch is a corruption condition, not a retryable error; no
// dispatch happens for such an event.
func (r *Runner) consumeNext(ctx context.Context, lastID model.EventID) (model.Event, error) {
	event, err := r.broker.ConsumeInput(ctx, lastID)
	if err != nil {
		return model.Event{}, &LogError{Op: "consume input", Err: err}
	}

	if event.Payload.ParentID != lastID {
		return model.Event{}, &ChainIntegrityError{
			Expected: lastID,
			Got:      event.Payload.ParentID,
		}
	}
	return event, nil
}

func (r *Runner) handleAdvance(
	ctx context.Context,
	activeEpochIndex uint64,
	currentInputIndex uint64,
	metadata model.InputMetadata,
	payload []byte,
) error {
	err := r.session.AdvanceState(ctx, activeEpochIndex, currentInputIndex, metadata, payload)
	if err != nil {
		return &SessionError{Op: "send advance-state input", Err: err}
	}
	r.metrics.AdvanceInputsSent.Inc()
	return nil
}

func (r *Runner) handleFinish(ctx context.Context, epochIndex uint64) error {
	// The snapshot is allocated for the epoch after the one being closed:
	// it captures the state the next epoch resumes from.
	snap, err := r.snapshots.GetStorageDirectory(ctx, epochIndex+1)
	if err != nil {
		return &SnapshotError{Op: "get storage directory", Err: err}
	}
	r.logger.Debug("got storage directory", "path", snap.Path, "epoch", snap.Epoch)

	if err := r.session.FinishEpoch(ctx, epochIndex, snap.Path); err != nil {
		return &SessionError{Op: "finish epoch", Err: err}
	}
	r.metrics.FinishEpochsSent.Inc()

	// Recorded only after the session wrote the checkpoint; a latest
	// pointer must never reference a location the session did not fill.
	if err := r.snapshots.SetLatest(ctx, snap); err != nil {
		return &SnapshotError{Op: "set latest snapshot", Err: err}
	}
	r.logger.Debug("set latest snapshot", "path", snap.Path, "epoch", snap.Epoch)

	claimProduced, err := r.broker.WasClaimProduced(ctx, epochIndex)
	if err != nil {
		return &LogError{Op: "check whether claim was produced", Err: err}
	}
	r.logger.Debug("got whether claim was already produced", "claim_produced", claimProduced)

	if !claimProduced {
		claim, err := r.session.GetEpochClaim(ctx, epochIndex)
		if err != nil {
			return &SessionError{Op: "get epoch claim", Err: err}
		}

		if err := r.broker.ProduceClaim(ctx, epochIndex, claim); err != nil {
			return &LogError{Op: "produce claim", Err: err}
		}
		r.metrics.ClaimsSent.Inc()
		r.logger.Info("produced epoch claim", "epoch", epochIndex)
	}

	return nil
}
