package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/emberlane/rollupd/internal/model"
)

var testStreams = StreamConfig{
	InputStream:  "TEST-INPUTS",
	InputSubject: "test.inputs",
	ClaimStream:  "TEST-CLAIMS",
	ClaimSubject: "test.claims",
}

// startTestNATS starts an embedded NATS server with JetStream enabled and
// returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

// testPublisher stands in for the upstream event producer.
type testPublisher struct {
	js jetstream.JetStream
}

func newTestBroker(t *testing.T) (*NATSBroker, *testPublisher) {
	t.Helper()
	url := startTestNATS(t)

	b, err := NewNATSBroker(context.Background(), url, testStreams)
	if err != nil {
		t.Fatalf("NewNATSBroker: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting publisher: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("publisher JetStream context: %v", err)
	}
	return b, &testPublisher{js: js}
}

// publishInput appends one event to the input stream and returns its id.
func (p *testPublisher) publishInput(t *testing.T, envelope model.InputEnvelope) model.EventID {
	t.Helper()
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("encoding event: %v", err)
	}
	ack, err := p.js.Publish(context.Background(), testStreams.InputSubject, data)
	if err != nil {
		t.Fatalf("publishing event: %v", err)
	}
	return eventIDFromSeq(ack.Sequence)
}

func advanceEnvelope(parent model.EventID, epoch, sentCount uint64) model.InputEnvelope {
	return model.InputEnvelope{
		EpochIndex:      epoch,
		InputsSentCount: sentCount,
		ParentID:        parent,
		Data: &model.AdvanceStateInput{
			Metadata: model.InputMetadata{Sender: "0xabc", BlockNumber: 1, Timestamp: 2},
			Payload:  []byte("payload"),
		},
	}
}

func finishEnvelope(parent model.EventID, epoch, sentCount uint64) model.InputEnvelope {
	return model.InputEnvelope{
		EpochIndex:      epoch,
		InputsSentCount: sentCount,
		ParentID:        parent,
		Data:            &model.FinishEpoch{},
	}
}

func TestConsumeInput_InOrder(t *testing.T) {
	b, pub := newTestBroker(t)
	ctx := context.Background()

	first := pub.publishInput(t, advanceEnvelope(model.InitialEventID, 0, 1))
	second := pub.publishInput(t, finishEnvelope(first, 0, 1))

	event, err := b.ConsumeInput(ctx, model.InitialEventID)
	if err != nil {
		t.Fatalf("ConsumeInput: %v", err)
	}
	if event.ID != first {
		t.Errorf("first event id = %s, want %s", event.ID, first)
	}
	if event.Payload.ParentID != model.InitialEventID {
		t.Errorf("first event parent = %s, want initial", event.Payload.ParentID)
	}
	if _, ok := event.Payload.Data.(*model.AdvanceStateInput); !ok {
		t.Errorf("first event data = %T, want advance", event.Payload.Data)
	}

	event, err = b.ConsumeInput(ctx, first)
	if err != nil {
		t.Fatalf("ConsumeInput: %v", err)
	}
	if event.ID != second {
		t.Errorf("second event id = %s, want %s", event.ID, second)
	}
	if _, ok := event.Payload.Data.(*model.FinishEpoch); !ok {
		t.Errorf("second event data = %T, want finish", event.Payload.Data)
	}
}

func TestConsumeInput_BlocksForNewEvents(t *testing.T) {
	b, pub := newTestBroker(t)
	ctx := context.Background()

	go func() {
		time.Sleep(100 * time.Millisecond)
		pub.publishInput(t, advanceEnvelope(model.InitialEventID, 0, 1))
	}()

	event, err := b.ConsumeInput(ctx, model.InitialEventID)
	if err != nil {
		t.Fatalf("ConsumeInput: %v", err)
	}
	if event.Payload.ParentID != model.InitialEventID {
		t.Errorf("parent = %s, want initial", event.Payload.ParentID)
	}
}

func TestConsumeInput_CanceledContext(t *testing.T) {
	b, _ := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.ConsumeInput(ctx, model.InitialEventID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ConsumeInput with canceled context = %v, want context.Canceled", err)
	}
}

func TestFindPreviousFinishEpoch(t *testing.T) {
	b, pub := newTestBroker(t)
	ctx := context.Background()

	first := pub.publishInput(t, advanceEnvelope(model.InitialEventID, 0, 1))
	finish := pub.publishInput(t, finishEnvelope(first, 0, 1))
	pub.publishInput(t, advanceEnvelope(finish, 1, 2))

	// Epoch 0 resumes from the start of the stream.
	id, err := b.FindPreviousFinishEpoch(ctx, 0)
	if err != nil {
		t.Fatalf("FindPreviousFinishEpoch(0): %v", err)
	}
	if id != model.InitialEventID {
		t.Errorf("epoch 0 id = %s, want initial", id)
	}

	// Epoch 1 resumes from the finish event of epoch 0.
	id, err = b.FindPreviousFinishEpoch(ctx, 1)
	if err != nil {
		t.Fatalf("FindPreviousFinishEpoch(1): %v", err)
	}
	if id != finish {
		t.Errorf("epoch 1 id = %s, want %s", id, finish)
	}

	// No finish event exists for epoch 4.
	if _, err := b.FindPreviousFinishEpoch(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindPreviousFinishEpoch(5) = %v, want ErrNotFound", err)
	}
}

func TestFindPreviousFinishEpoch_EmptyStream(t *testing.T) {
	b, _ := newTestBroker(t)
	if _, err := b.FindPreviousFinishEpoch(context.Background(), 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindPreviousFinishEpoch on empty stream = %v, want ErrNotFound", err)
	}
}

func TestClaims(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	produced, err := b.WasClaimProduced(ctx, 0)
	if err != nil {
		t.Fatalf("WasClaimProduced: %v", err)
	}
	if produced {
		t.Fatal("claim reported produced on an empty stream")
	}

	claim := model.EpochClaim{EpochIndex: 0, Hash: []byte{1, 2, 3}}
	if err := b.ProduceClaim(ctx, 0, claim); err != nil {
		t.Fatalf("ProduceClaim: %v", err)
	}

	produced, err = b.WasClaimProduced(ctx, 0)
	if err != nil {
		t.Fatalf("WasClaimProduced: %v", err)
	}
	if !produced {
		t.Error("claim for epoch 0 not reported produced")
	}

	// A later epoch has no claim yet.
	produced, err = b.WasClaimProduced(ctx, 1)
	if err != nil {
		t.Fatalf("WasClaimProduced: %v", err)
	}
	if produced {
		t.Error("claim for epoch 1 reported produced")
	}

	// Republishing the same epoch's claim is rejected as a duplicate.
	if err := b.ProduceClaim(ctx, 0, claim); !errors.Is(err, ErrDuplicateClaim) {
		t.Errorf("duplicate ProduceClaim = %v, want ErrDuplicateClaim", err)
	}
}

func TestEventIDConversions(t *testing.T) {
	seq, err := seqFromEventID(eventIDFromSeq(42))
	if err != nil || seq != 42 {
		t.Errorf("round trip = %d, %v", seq, err)
	}
	if _, err := seqFromEventID("not-a-seq"); err == nil {
		t.Error("malformed id accepted")
	}
}
