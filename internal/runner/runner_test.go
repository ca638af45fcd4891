package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/emberlane/rollupd/internal/broker"
	"github.com/emberlane/rollupd/internal/model"
	"github.com/emberlane/rollupd/internal/snapshot"
)

// errEndOfStream terminates fake streams once the scripted events run out.
var errEndOfStream = errors.New("end of scripted stream")

type advanceCall struct {
	epoch    uint64
	index    uint64
	metadata model.InputMetadata
	payload  []byte
}

type finishCall struct {
	epoch uint64
	path  string
}

type startCall struct {
	path  string
	epoch uint64
}

// fakeSession records every call; errs injects failures by operation name.
type fakeSession struct {
	starts    []startCall
	advances  []advanceCall
	finishes  []finishCall
	claimGets []uint64
	errs      map[string]error
}

func (s *fakeSession) StartSession(_ context.Context, path string, epoch uint64) error {
	if err := s.errs["start"]; err != nil {
		return err
	}
	s.starts = append(s.starts, startCall{path: path, epoch: epoch})
	return nil
}

func (s *fakeSession) AdvanceState(_ context.Context, epoch, index uint64, metadata model.InputMetadata, payload []byte) error {
	if err := s.errs["advance"]; err != nil {
		return err
	}
	s.advances = append(s.advances, advanceCall{epoch: epoch, index: index, metadata: metadata, payload: payload})
	return nil
}

func (s *fakeSession) FinishEpoch(_ context.Context, epoch uint64, path string) error {
	if err := s.errs["finish"]; err != nil {
		return err
	}
	s.finishes = append(s.finishes, finishCall{epoch: epoch, path: path})
	return nil
}

func (s *fakeSession) GetEpochClaim(_ context.Context, epoch uint64) (model.EpochClaim, error) {
	if err := s.errs["claim"]; err != nil {
		return model.EpochClaim{}, err
	}
	s.claimGets = append(s.claimGets, epoch)
	return model.EpochClaim{EpochIndex: epoch, Hash: []byte{0xaa, byte(epoch)}}, nil
}

// fakeBroker serves scripted events in order and records claim publishes.
type fakeBroker struct {
	finishEventIDs map[uint64]model.EventID // epoch -> id of its finish event
	events         []model.Event
	next           int
	claimsOnLog    map[uint64]bool
	produced       []model.EpochClaim
	errs           map[string]error
}

func (b *fakeBroker) FindPreviousFinishEpoch(_ context.Context, epoch uint64) (model.EventID, error) {
	if err := b.errs["find"]; err != nil {
		return "", err
	}
	if epoch == 0 {
		return model.InitialEventID, nil
	}
	id, ok := b.finishEventIDs[epoch-1]
	if !ok {
		return "", broker.ErrNotFound
	}
	return id, nil
}

func (b *fakeBroker) ConsumeInput(_ context.Context, after model.EventID) (model.Event, error) {
	if err := b.errs["consume"]; err != nil {
		return model.Event{}, err
	}
	if b.next >= len(b.events) {
		return model.Event{}, errEndOfStream
	}
	event := b.events[b.next]
	b.next++
	return event, nil
}

func (b *fakeBroker) WasClaimProduced(_ context.Context, epoch uint64) (bool, error) {
	if err := b.errs["peek"]; err != nil {
		return false, err
	}
	return b.claimsOnLog[epoch], nil
}

func (b *fakeBroker) ProduceClaim(_ context.Context, epoch uint64, claim model.EpochClaim) error {
	if err := b.errs["produce"]; err != nil {
		return err
	}
	b.produced = append(b.produced, claim)
	return nil
}

func advanceEvent(id, parent model.EventID, epoch, sentCount uint64) model.Event {
	return model.Event{
		ID: id,
		Payload: model.InputEnvelope{
			EpochIndex:      epoch,
			InputsSentCount: sentCount,
			ParentID:        parent,
			Data: &model.AdvanceStateInput{
				Metadata: model.InputMetadata{Sender: "0xabc", BlockNumber: 77, Timestamp: 1700000000},
				Payload:  []byte("input"),
			},
		},
	}
}

func finishEvent(id, parent model.EventID, epoch, sentCount uint64) model.Event {
	return model.Event{
		ID: id,
		Payload: model.InputEnvelope{
			EpochIndex:      epoch,
			InputsSentCount: sentCount,
			ParentID:        parent,
			Data:            &model.FinishEpoch{},
		},
	}
}

// newTestRunner seeds the snapshot store with a latest snapshot for the
// given epoch and wires a runner over the fakes.
func newTestRunner(t *testing.T, sess *fakeSession, b *fakeBroker, epoch uint64) (*Runner, *snapshot.MemoryManager, model.Snapshot) {
	t.Helper()
	snaps := snapshot.NewMemoryManager()
	seed := model.Snapshot{Path: fmt.Sprintf("mem://seed/epoch-%d", epoch), Epoch: epoch}
	if err := snaps.SetLatest(context.Background(), seed); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sess, b, snaps, nil, logger), snaps, seed
}

func TestRun_EndToEnd(t *testing.T) {
	// Snapshot for epoch 3 exists; the log holds finish event F2 (the one
	// that created the snapshot), one advance input, then finish event F3.
	sess := &fakeSession{}
	b := &fakeBroker{
		finishEventIDs: map[uint64]model.EventID{2: "10"},
		events: []model.Event{
			advanceEvent("11", "10", 3, 1),
			finishEvent("12", "11", 3, 1),
		},
		claimsOnLog: map[uint64]bool{},
	}
	metrics := NewMetrics(nil)
	snaps := snapshot.NewMemoryManager()
	seed := model.Snapshot{Path: "mem://seed/epoch-3", Epoch: 3}
	if err := snaps.SetLatest(context.Background(), seed); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	r := New(sess, b, snaps, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := r.Run(context.Background())
	if !errors.Is(err, errEndOfStream) {
		t.Fatalf("Run returned %v, want end of scripted stream", err)
	}

	// Session started from the seeded snapshot at epoch 3.
	if len(sess.starts) != 1 || sess.starts[0] != (startCall{path: seed.Path, epoch: 3}) {
		t.Errorf("starts = %+v, want one start from %q at epoch 3", sess.starts, seed.Path)
	}

	// The advance input was dispatched at (epoch 3, index 0).
	if len(sess.advances) != 1 {
		t.Fatalf("advances = %+v, want exactly one", sess.advances)
	}
	if got := sess.advances[0]; got.epoch != 3 || got.index != 0 || string(got.payload) != "input" {
		t.Errorf("advance = %+v, want epoch 3 index 0 payload %q", got, "input")
	}

	// Closing epoch 3 checkpointed into a snapshot allocated for epoch 4,
	// which became latest.
	if len(sess.finishes) != 1 || sess.finishes[0].epoch != 3 {
		t.Fatalf("finishes = %+v, want one finish of epoch 3", sess.finishes)
	}
	latest, err := snaps.GetLatest(context.Background())
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest.Epoch != 4 {
		t.Errorf("latest snapshot epoch = %d, want 4", latest.Epoch)
	}
	if latest.Path != sess.finishes[0].path {
		t.Errorf("latest path %q differs from checkpoint path %q", latest.Path, sess.finishes[0].path)
	}

	// Exactly one claim for epoch 3 was retrieved and produced.
	if len(sess.claimGets) != 1 || sess.claimGets[0] != 3 {
		t.Errorf("claimGets = %v, want [3]", sess.claimGets)
	}
	if len(b.produced) != 1 || b.produced[0].EpochIndex != 3 {
		t.Errorf("produced = %+v, want one claim for epoch 3", b.produced)
	}

	for name, c := range map[string]float64{
		"advance": testutil.ToFloat64(metrics.AdvanceInputsSent),
		"finish":  testutil.ToFloat64(metrics.FinishEpochsSent),
		"claims":  testutil.ToFloat64(metrics.ClaimsSent),
	} {
		if c != 1 {
			t.Errorf("%s counter = %v, want 1", name, c)
		}
	}
}

func TestRun_ChainMismatch(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBroker{
		finishEventIDs: map[uint64]model.EventID{2: "Y"},
		events: []model.Event{
			advanceEvent("11", "X", 3, 1), // parent X, but last consumed is Y
		},
	}
	r, _, _ := newTestRunner(t, sess, b, 3)

	err := r.Run(context.Background())
	var chainErr *ChainIntegrityError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Run returned %v, want ChainIntegrityError", err)
	}
	if chainErr.Expected != "Y" || chainErr.Got != "X" {
		t.Errorf("ChainIntegrityError = %+v, want expected=Y got=X", chainErr)
	}
	// The mismatched event must not reach the session.
	if len(sess.advances) != 0 || len(sess.finishes) != 0 {
		t.Errorf("session was called for a mismatched event: advances=%v finishes=%v", sess.advances, sess.finishes)
	}
}

func TestRun_InputIndexDerivation(t *testing.T) {
	for _, tc := range []struct {
		sentCount uint64
		wantIndex uint64
	}{
		{1, 0},
		{2, 1},
		{10, 9},
	} {
		t.Run(fmt.Sprintf("SentCount%d", tc.sentCount), func(t *testing.T) {
			sess := &fakeSession{}
			b := &fakeBroker{
				finishEventIDs: map[uint64]model.EventID{2: "10"},
				events:         []model.Event{advanceEvent("11", "10", 3, tc.sentCount)},
			}
			r, _, _ := newTestRunner(t, sess, b, 3)

			if err := r.Run(context.Background()); !errors.Is(err, errEndOfStream) {
				t.Fatalf("Run returned %v", err)
			}
			if len(sess.advances) != 1 || sess.advances[0].index != tc.wantIndex {
				t.Errorf("advances = %+v, want index %d", sess.advances, tc.wantIndex)
			}
		})
	}
}

func TestRun_ClaimAlreadyProduced(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBroker{
		finishEventIDs: map[uint64]model.EventID{2: "10"},
		events:         []model.Event{finishEvent("11", "10", 3, 0)},
		claimsOnLog:    map[uint64]bool{3: true},
	}
	r, _, _ := newTestRunner(t, sess, b, 3)

	if err := r.Run(context.Background()); !errors.Is(err, errEndOfStream) {
		t.Fatalf("Run returned %v", err)
	}
	if len(sess.claimGets) != 0 {
		t.Errorf("claim retrieved from session despite existing on the log: %v", sess.claimGets)
	}
	if len(b.produced) != 0 {
		t.Errorf("claim re-produced: %+v", b.produced)
	}
	// The epoch was still finished and the snapshot still advanced.
	if len(sess.finishes) != 1 {
		t.Errorf("finishes = %+v, want one", sess.finishes)
	}
}

func TestSetup_RecoveryDeterminism(t *testing.T) {
	b := &fakeBroker{finishEventIDs: map[uint64]model.EventID{4: "42"}}

	var firstID model.EventID
	for i := 0; i < 3; i++ {
		sess := &fakeSession{}
		r, _, seed := newTestRunner(t, sess, b, 5)

		id, err := r.setup(context.Background())
		if err != nil {
			t.Fatalf("setup #%d: %v", i, err)
		}
		if i == 0 {
			firstID = id
		} else if id != firstID {
			t.Errorf("setup #%d resumed from %q, first run resumed from %q", i, id, firstID)
		}
		if id != "42" {
			t.Errorf("setup #%d resumed from %q, want 42", i, id)
		}
		if len(sess.starts) != 1 || sess.starts[0] != (startCall{path: seed.Path, epoch: 5}) {
			t.Errorf("setup #%d starts = %+v, want one start at epoch 5", i, sess.starts)
		}
	}
}

func TestSetup_GenesisEpoch(t *testing.T) {
	sess := &fakeSession{}
	b := &fakeBroker{}
	r, _, _ := newTestRunner(t, sess, b, 0)

	id, err := r.setup(context.Background())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if id != model.InitialEventID {
		t.Errorf("setup resumed from %q, want the initial id", id)
	}
}

func TestRun_ErrorAttribution(t *testing.T) {
	leaf := errors.New("boom")

	for _, tc := range []struct {
		name    string
		session map[string]error
		broker  map[string]error
		want    any
	}{
		{"SessionStart", map[string]error{"start": leaf}, nil, new(*SessionError)},
		{"SessionAdvance", map[string]error{"advance": leaf}, nil, new(*SessionError)},
		{"SessionFinish", map[string]error{"finish": leaf}, nil, new(*SessionError)},
		{"SessionClaim", map[string]error{"claim": leaf}, nil, new(*SessionError)},
		{"LogFind", nil, map[string]error{"find": leaf}, new(*LogError)},
		{"LogConsume", nil, map[string]error{"consume": leaf}, new(*LogError)},
		{"LogPeek", nil, map[string]error{"peek": leaf}, new(*LogError)},
		{"LogProduce", nil, map[string]error{"produce": leaf}, new(*LogError)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{errs: tc.session}
			b := &fakeBroker{
				finishEventIDs: map[uint64]model.EventID{2: "10"},
				events: []model.Event{
					advanceEvent("11", "10", 3, 1),
					finishEvent("12", "11", 3, 1),
				},
				claimsOnLog: map[uint64]bool{},
				errs:        tc.broker,
			}
			r, _, _ := newTestRunner(t, sess, b, 3)

			err := r.Run(context.Background())
			if err == nil {
				t.Fatal("Run returned nil, want attributed error")
			}
			if !errors.Is(err, leaf) {
				t.Errorf("error %v does not unwrap to the leaf failure", err)
			}
			switch want := tc.want.(type) {
			case **SessionError:
				if !errors.As(err, want) {
					t.Errorf("error %v is not a SessionError", err)
				}
			case **LogError:
				if !errors.As(err, want) {
					t.Errorf("error %v is not a LogError", err)
				}
			}
		})
	}
}

func TestRun_SnapshotErrorAttribution(t *testing.T) {
	// A store with no latest snapshot makes setup fail with a SnapshotError
	// wrapping ErrNoSnapshot.
	sess := &fakeSession{}
	b := &fakeBroker{}
	r := New(sess, b, snapshot.NewMemoryManager(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := r.Run(context.Background())
	var snapErr *SnapshotError
	if !errors.As(err, &snapErr) {
		t.Fatalf("Run returned %v, want SnapshotError", err)
	}
	if !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Errorf("error %v does not unwrap to ErrNoSnapshot", err)
	}
	if len(sess.starts) != 0 {
		t.Errorf("session started despite missing snapshot: %+v", sess.starts)
	}
}
