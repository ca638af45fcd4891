package model

import (
	"encoding/json"
	"fmt"
)

// EventID identifies an event's position in the input stream. IDs are opaque
// to the runner; it only compares them for equality when checking the parent
// chain.
type EventID string

// InitialEventID is the parent of the very first event in a stream.
const InitialEventID EventID = "0"

// Event is one record consumed from the input stream. Events are produced
// upstream and immutable; the runner only reads them.
type Event struct {
	ID      EventID       `json:"id"`
	Payload InputEnvelope `json:"payload"`
}

// InputEnvelope carries the chain-linking fields shared by every event kind.
// ParentID must equal the ID of the event consumed immediately before it,
// forming a singly-linked causal chain.
type InputEnvelope struct {
	EpochIndex      uint64    `json:"epoch_index"`
	InputsSentCount uint64    `json:"inputs_sent_count"`
	ParentID        EventID   `json:"parent_id"`
	Data            EventData `json:"data"`
}

// EventData is the closed set of event kinds. The runner dispatches on the
// concrete type; decoding an unknown kind fails.
type EventData interface {
	eventData()
}

// AdvanceStateInput is one user input to feed into the current epoch.
type AdvanceStateInput struct {
	Metadata InputMetadata `json:"metadata"`
	Payload  []byte        `json:"payload"`
}

func (*AdvanceStateInput) eventData() {}

// FinishEpoch marks the end of the current epoch. It carries no data beyond
// the envelope fields.
type FinishEpoch struct{}

func (*FinishEpoch) eventData() {}

// InputMetadata accompanies one input. The runner passes it through to the
// compute session untouched.
type InputMetadata struct {
	Sender      string `json:"sender"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   uint64 `json:"timestamp"`
}

// Wire tags for the EventData variants.
const (
	kindAdvanceState = "advance_state"
	kindFinishEpoch  = "finish_epoch"
)

type envelopeWire struct {
	EpochIndex      uint64             `json:"epoch_index"`
	InputsSentCount uint64             `json:"inputs_sent_count"`
	ParentID        EventID            `json:"parent_id"`
	Kind            string             `json:"kind"`
	Advance         *AdvanceStateInput `json:"advance,omitempty"`
}

func (e InputEnvelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{
		EpochIndex:      e.EpochIndex,
		InputsSentCount: e.InputsSentCount,
		ParentID:        e.ParentID,
	}
	switch data := e.Data.(type) {
	case *AdvanceStateInput:
		w.Kind = kindAdvanceState
		w.Advance = data
	case *FinishEpoch:
		w.Kind = kindFinishEpoch
	default:
		return nil, fmt.Errorf("unknown event data type %T", e.Data)
	}
	return json.Marshal(w)
}

func (e *InputEnvelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.EpochIndex = w.EpochIndex
	e.InputsSentCount = w.InputsSentCount
	e.ParentID = w.ParentID
	switch w.Kind {
	case kindAdvanceState:
		if w.Advance == nil {
			return fmt.Errorf("advance_state event without advance body")
		}
		e.Data = w.Advance
	case kindFinishEpoch:
		e.Data = &FinishEpoch{}
	default:
		return fmt.Errorf("unknown event kind %q", w.Kind)
	}
	return nil
}
