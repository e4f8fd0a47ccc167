package domain

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
)

// BatchEnvelopeType marks a broker payload that carries a flushed batch
// instead of a single event.
const BatchEnvelopeType = "batch_events"

// WireMessage is the envelope delivered to a client connection.
type WireMessage struct {
	EventID  string          `json:"eventId"`
	Type     EventType       `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata Metadata        `json:"metadata"`
	Routing  Routing         `json:"routing"`
}

// NewWireMessage projects an event onto its delivery envelope.
func NewWireMessage(ev *Event) WireMessage {
	return WireMessage{
		EventID:  ev.ID,
		Type:     ev.Type,
		Data:     ev.Data,
		Metadata: ev.Metadata,
		Routing:  ev.Routing,
	}
}

// BatchEnvelope carries one flush batch for a room as a single broker
// message, minimizing publish calls under load.
type BatchEnvelope struct {
	Type      string    `json:"type"`
	Events    []*Event  `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBatchEnvelope wraps events in a batch envelope stamped now.
func NewBatchEnvelope(events []*Event) BatchEnvelope {
	return BatchEnvelope{Type: BatchEnvelopeType, Events: events, Timestamp: time.Now().UTC()}
}

// DecodeChannelPayload decodes a broker channel message into the events it
// carries: a single event, or the contents of a batch envelope.
func DecodeChannelPayload(payload []byte) ([]*Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(payload, &probe); err != nil {
		return nil, err
	}
	if probe.Type == BatchEnvelopeType {
		var env BatchEnvelope
		if err := sonic.Unmarshal(payload, &env); err != nil {
			return nil, err
		}
		return env.Events, nil
	}
	var ev Event
	if err := sonic.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return []*Event{&ev}, nil
}
