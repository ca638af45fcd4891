package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/emberlane/rollupd/internal/model"
)

// consumeWait bounds each blocking poll so context cancellation is noticed
// between polls.
const consumeWait = 5 * time.Second

// StreamConfig names the JetStream streams and subjects the broker uses.
type StreamConfig struct {
	InputStream  string
	InputSubject string
	ClaimStream  string
	ClaimSubject string
}

// NATSBroker implements Broker on top of NATS JetStream. Event ids are the
// input stream's message sequence numbers; the parent chain inside the
// payloads is produced upstream and only verified by the runner.
type NATSBroker struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	inputs  jetstream.Stream
	streams StreamConfig

	// Cached ordered consumer for ConsumeInput. The runner always asks for
	// the successor of the last delivered event, so one consumer serves the
	// whole steady-state loop.
	cons     jetstream.Consumer
	consNext uint64
}

var _ Broker = (*NATSBroker)(nil)

// NewNATSBroker connects to NATS with automatic reconnection and creates the
// input and claim streams if they do not exist yet.
func NewNATSBroker(ctx context.Context, url string, streams StreamConfig, opts ...nats.Option) (*NATSBroker, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	inputs, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streams.InputStream,
		Subjects: []string{streams.InputSubject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring input stream %s: %w", streams.InputStream, err)
	}

	// Duplicate detection on the claim stream backs claim idempotency:
	// publishes carry a per-epoch message id.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streams.ClaimStream,
		Subjects:   []string{streams.ClaimSubject},
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring claim stream %s: %w", streams.ClaimStream, err)
	}

	return &NATSBroker{conn: nc, js: js, inputs: inputs, streams: streams}, nil
}

// Close closes the NATS connection.
func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}

func (b *NATSBroker) FindPreviousFinishEpoch(ctx context.Context, epoch uint64) (model.EventID, error) {
	if epoch == 0 {
		return model.InitialEventID, nil
	}
	target := epoch - 1

	info, err := b.inputs.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("input stream info: %w", err)
	}
	lastSeq := info.State.LastSeq
	if lastSeq == 0 {
		return "", ErrNotFound
	}

	cons, err := b.inputs.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return "", fmt.Errorf("creating scan consumer: %w", err)
	}

	for {
		msg, err := b.next(ctx, cons)
		if err != nil {
			return "", err
		}
		meta, err := msg.Metadata()
		if err != nil {
			return "", fmt.Errorf("message metadata: %w", err)
		}
		seq := meta.Sequence.Stream

		var envelope model.InputEnvelope
		if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
			return "", fmt.Errorf("decoding event at seq %d: %w", seq, err)
		}
		if _, ok := envelope.Data.(*model.FinishEpoch); ok && envelope.EpochIndex == target {
			return eventIDFromSeq(seq), nil
		}
		if seq >= lastSeq {
			return "", ErrNotFound
		}
	}
}

func (b *NATSBroker) ConsumeInput(ctx context.Context, after model.EventID) (model.Event, error) {
	afterSeq, err := seqFromEventID(after)
	if err != nil {
		return model.Event{}, err
	}
	want := afterSeq + 1

	if b.cons == nil || b.consNext != want {
		cfg := jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverAllPolicy}
		if want > 1 {
			cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			cfg.OptStartSeq = want
		}
		cons, err := b.inputs.OrderedConsumer(ctx, cfg)
		if err != nil {
			return model.Event{}, fmt.Errorf("creating input consumer: %w", err)
		}
		b.cons = cons
		b.consNext = want
	}

	msg, err := b.next(ctx, b.cons)
	if err != nil {
		return model.Event{}, err
	}
	meta, err := msg.Metadata()
	if err != nil {
		return model.Event{}, fmt.Errorf("message metadata: %w", err)
	}
	seq := meta.Sequence.Stream
	b.consNext = seq + 1

	var envelope model.InputEnvelope
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		return model.Event{}, fmt.Errorf("decoding event at seq %d: %w", seq, err)
	}
	return model.Event{ID: eventIDFromSeq(seq), Payload: envelope}, nil
}

func (b *NATSBroker) WasClaimProduced(ctx context.Context, epoch uint64) (bool, error) {
	raw, err := b.js.Stream(ctx, b.streams.ClaimStream)
	if err != nil {
		return false, fmt.Errorf("claim stream handle: %w", err)
	}
	msg, err := raw.GetLastMsgForSubject(ctx, b.streams.ClaimSubject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("peeking last claim: %w", err)
	}

	var claim model.EpochClaim
	if err := json.Unmarshal(msg.Data, &claim); err != nil {
		return false, fmt.Errorf("decoding last claim: %w", err)
	}
	// Claims are produced in epoch order, so the last claim's epoch bounds
	// everything already on the stream.
	return claim.EpochIndex >= epoch, nil
}

func (b *NATSBroker) ProduceClaim(ctx context.Context, epoch uint64, claim model.EpochClaim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("encoding claim: %w", err)
	}
	ack, err := b.js.PublishMsg(ctx,
		&nats.Msg{Subject: b.streams.ClaimSubject, Data: data},
		jetstream.WithMsgID(fmt.Sprintf("claim-%d", epoch)),
	)
	if err != nil {
		return fmt.Errorf("publishing claim: %w", err)
	}
	if ack.Duplicate {
		return ErrDuplicateClaim
	}
	return nil
}

// next polls the consumer until a message arrives or ctx is done.
func (b *NATSBroker) next(ctx context.Context, cons jetstream.Consumer) (jetstream.Msg, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := cons.Next(jetstream.FetchMaxWait(consumeWait))
		if err != nil {
			if errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("reading next event: %w", err)
		}
		return msg, nil
	}
}

func eventIDFromSeq(seq uint64) model.EventID {
	return model.EventID(strconv.FormatUint(seq, 10))
}

func seqFromEventID(id model.EventID) (uint64, error) {
	seq, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed event id %q: %w", id, err)
	}
	return seq, nil
}
