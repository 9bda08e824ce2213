package eventbus

import (
	"fmt"
	"time"

	"github.com/plaenen/eventcore/pkg/cid"
	"github.com/plaenen/eventcore/pkg/eventstore"
)

// eventWire is the CBOR wire shape of a StoredEvent. cid.CID's fields
// are unexported (so it can't round-trip through generic CBOR
// reflection directly) — its byte form is carried instead, the same
// representation the sqlite index already uses.
type eventWire struct {
	ID                 string
	AggregateID        string
	AggregateType      string
	EventType          string
	Sequence           int64
	TimestampUnixNano  int64
	CorrelationID      string
	CausationID        string
	ActorID            string
	Payload            []byte
	Metadata           map[string]string
	CIDBytes           []byte
	PreviousCIDBytes   []byte
	StreamPosition     int64
	AppendedAtUnixNano int64
}

func encodeEvent(event eventstore.StoredEvent) ([]byte, error) {
	domainEvent, ok := event.Event.(eventstore.DomainEvent)
	if !ok {
		return nil, fmt.Errorf("%w: Event field is not a DomainEvent", ErrInvalidEvent)
	}

	wire := eventWire{
		ID:                 domainEvent.ID,
		AggregateID:        domainEvent.AggregateID,
		AggregateType:      domainEvent.AggregateType,
		EventType:          domainEvent.EventType,
		Sequence:           event.Sequence,
		TimestampUnixNano:  domainEvent.Timestamp.UTC().UnixNano(),
		CorrelationID:      domainEvent.CorrelationID,
		CausationID:        domainEvent.CausationID,
		ActorID:            domainEvent.ActorID,
		Payload:            domainEvent.Payload,
		Metadata:           domainEvent.Metadata,
		CIDBytes:           event.CID.Bytes(),
		StreamPosition:     event.StreamPosition,
		AppendedAtUnixNano: event.AppendedAt.UTC().UnixNano(),
	}
	if event.PreviousCID != nil {
		wire.PreviousCIDBytes = event.PreviousCID.Bytes()
	}

	return cid.Encode(wire)
}

func decodeEvent(data []byte) (eventstore.StoredEvent, error) {
	var wire eventWire
	if err := cid.Decode(data, &wire); err != nil {
		return eventstore.StoredEvent{}, fmt.Errorf("eventbus: decoding event: %w", err)
	}

	c, err := cid.FromBytes(wire.CIDBytes)
	if err != nil {
		return eventstore.StoredEvent{}, fmt.Errorf("eventbus: decoding event cid: %w", err)
	}

	var previous *cid.CID
	if len(wire.PreviousCIDBytes) > 0 {
		p, err := cid.FromBytes(wire.PreviousCIDBytes)
		if err != nil {
			return eventstore.StoredEvent{}, fmt.Errorf("eventbus: decoding event previous cid: %w", err)
		}
		previous = &p
	}

	domainEvent := eventstore.DomainEvent{
		ID:            wire.ID,
		AggregateID:   wire.AggregateID,
		AggregateType: wire.AggregateType,
		EventType:     wire.EventType,
		Sequence:      wire.Sequence,
		Timestamp:     time.Unix(0, wire.TimestampUnixNano).UTC(),
		CorrelationID: wire.CorrelationID,
		CausationID:   wire.CausationID,
		ActorID:       wire.ActorID,
		Payload:       wire.Payload,
		Metadata:      wire.Metadata,
	}

	return eventstore.StoredEvent{
		ChainedEvent: eventstore.ChainedEvent{
			Event:       domainEvent,
			CID:         c,
			PreviousCID: previous,
			Sequence:    wire.Sequence,
		},
		StreamPosition: wire.StreamPosition,
		AppendedAt:     time.Unix(0, wire.AppendedAtUnixNano).UTC(),
	}, nil
}
