// Package chain implements the chained event (C2): binding a domain
// event to its CID, its predecessor's CID, and its sequence number,
// and validating the resulting tamper-evident chain.
//
// Validation here is pure and side-effect free — it never mutates
// state, and a chain error is fatal for the offending stream with no
// automatic repair.
package chain

import (
	"fmt"

	"github.com/plaenen/eventcore/pkg/cid"
)

// chainTuple is the canonical tuple hashed to produce a ChainedEvent's
// CID: (event, previous_cid_or_absent).
type chainTuple struct {
	Event       any
	PreviousCID []byte // nil/empty for genesis
}

// ChainedEvent wraps a domain event with its own CID, the CID of the
// event preceding it in the same aggregate's stream (absent for
// genesis), and the aggregate-local sequence it occupies.
type ChainedEvent struct {
	Event       any
	CID         cid.CID
	PreviousCID *cid.CID
	Sequence    int64
}

// New constructs a ChainedEvent for event at the given sequence,
// chained onto previous (nil for a genesis event). The CID is computed
// over the canonical encoding of (event, previous_cid_or_absent), so
// any difference in payload or ancestry changes the resulting CID.
func New(event any, sequence int64, previous *cid.CID) (ChainedEvent, error) {
	if sequence < 1 {
		return ChainedEvent{}, fmt.Errorf("chain: sequence must be >= 1, got %d", sequence)
	}
	if sequence == 1 && previous != nil {
		return ChainedEvent{}, fmt.Errorf("chain: genesis event (sequence 1) must not have a previous CID")
	}
	if sequence > 1 && previous == nil {
		return ChainedEvent{}, fmt.Errorf("chain: non-genesis event at sequence %d requires a previous CID", sequence)
	}

	tuple := chainTuple{Event: event}
	if previous != nil {
		tuple.PreviousCID = previous.Bytes()
	}

	c, err := cid.Of(tuple)
	if err != nil {
		return ChainedEvent{}, fmt.Errorf("chain: computing cid: %w", err)
	}

	return ChainedEvent{
		Event:       event,
		CID:         c,
		PreviousCID: previous,
		Sequence:    sequence,
	}, nil
}

// Recompute recomputes the CID a ChainedEvent at sequence should carry
// given its event and previous CID, independent of what CID it
// actually reports. Used by ValidateChain to detect tampering.
func Recompute(event any, previous *cid.CID) (cid.CID, error) {
	tuple := chainTuple{Event: event}
	if previous != nil {
		tuple.PreviousCID = previous.Bytes()
	}
	return cid.Of(tuple)
}

// ErrorKind classifies why a chain failed validation.
type ErrorKind int

const (
	// GapAtSequence means the sequence numbers are not contiguous.
	GapAtSequence ErrorKind = iota
	// CidMismatch means the stored CID does not match the recomputed
	// CID for the event and its claimed previous CID.
	CidMismatch
	// PreviousLinkBroken means an event's previous_cid does not equal
	// the CID of the event that actually precedes it.
	PreviousLinkBroken
	// GenesisMalformed means the first event in the chain is not a
	// well-formed genesis (sequence 1, no previous CID).
	GenesisMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case GapAtSequence:
		return "GapAtSequence"
	case CidMismatch:
		return "CidMismatch"
	case PreviousLinkBroken:
		return "PreviousLinkBroken"
	case GenesisMalformed:
		return "GenesisMalformed"
	default:
		return "Unknown"
	}
}

// Error reports a precise, fatal chain-validation failure.
type Error struct {
	Kind       ErrorKind
	AtSequence int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain: %s at sequence %d", e.Kind, e.AtSequence)
}

// ValidateChain validates that events is a well-formed, contiguous,
// tamper-free chain for a single aggregate, ordered by sequence.
//
//   - events[0].PreviousCID is absent and events[0].Sequence == 1.
//   - for i>0: events[i].Sequence == i+1, events[i].PreviousCID ==
//     events[i-1].CID, and events[i].CID == Recompute(events[i].Event,
//     events[i].PreviousCID).
//
// Any deviation returns a precise *Error. Validation never mutates
// events.
func ValidateChain(events []ChainedEvent) error {
	if len(events) == 0 {
		return nil
	}

	genesis := events[0]
	if genesis.Sequence != 1 || genesis.PreviousCID != nil {
		return &Error{Kind: GenesisMalformed, AtSequence: genesis.Sequence}
	}
	if recomputed, err := Recompute(genesis.Event, nil); err != nil || !recomputed.Equal(genesis.CID) {
		return &Error{Kind: CidMismatch, AtSequence: genesis.Sequence}
	}

	for i := 1; i < len(events); i++ {
		prev := events[i-1]
		cur := events[i]

		if cur.Sequence != prev.Sequence+1 {
			return &Error{Kind: GapAtSequence, AtSequence: cur.Sequence}
		}
		if cur.PreviousCID == nil || !cur.PreviousCID.Equal(prev.CID) {
			return &Error{Kind: PreviousLinkBroken, AtSequence: cur.Sequence}
		}
		recomputed, err := Recompute(cur.Event, cur.PreviousCID)
		if err != nil || !recomputed.Equal(cur.CID) {
			return &Error{Kind: CidMismatch, AtSequence: cur.Sequence}
		}
	}

	return nil
}
