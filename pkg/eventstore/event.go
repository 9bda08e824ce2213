// Package eventstore is the persistent, ordered, per-aggregate event
// log (C4): appending chained events with optimistic concurrency and
// content-addressed payload externalization, and retrieving them by
// aggregate, by sequence, or by CID.
package eventstore

import (
	"time"

	"github.com/plaenen/eventcore/pkg/chain"
)

// DomainEvent is an immutable fact about a state change in one
// aggregate. Its Payload is opaque to the store: callers canonically
// encode their own typed payload (via pkg/cid.Encode) before handing
// it here, and decode it themselves on load.
type DomainEvent struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Sequence      int64
	Timestamp     time.Time
	CorrelationID string
	CausationID   string
	ActorID       string
	Payload       []byte
	Metadata      map[string]string
}

// ChainedEvent binds a DomainEvent to its place in the aggregate's
// tamper-evident chain. Re-exported from pkg/chain so callers of this
// package never need to import it directly.
type ChainedEvent = chain.ChainedEvent

// StoredEvent is a ChainedEvent once it has been durably committed:
// the broker-assigned stream position and the timestamp the store
// recorded the append at.
type StoredEvent struct {
	ChainedEvent
	StreamPosition int64
	AppendedAt     time.Time
}

// AppendResult reports what Append actually committed.
type AppendResult struct {
	Events       []StoredEvent
	FinalVersion int64
}

// eventTypeTag is the object-store partition every event payload blob
// is written under.
const eventTypeTag = "event"
