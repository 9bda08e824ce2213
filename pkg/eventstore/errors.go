package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrChainIntegrityError wraps a *chain.Error surfaced while
	// loading or appending a stream whose chain does not validate.
	ErrChainIntegrityError = errors.New("eventstore: chain integrity error")

	// ErrBrokerUnavailable is returned when the post-commit publish to
	// the event bus could not be delivered. The append itself is
	// already durable; callers may retry the publish out of band.
	ErrBrokerUnavailable = errors.New("eventstore: broker unavailable")

	// ErrObjectStoreUnavailable is returned when a payload put or get
	// against the object store fails.
	ErrObjectStoreUnavailable = errors.New("eventstore: object store unavailable")

	// ErrInvalidSequence is returned when Append is given an empty
	// batch. Sequence numbers are assigned by Append itself, so any
	// Sequence already set on the input events is overwritten.
	ErrInvalidSequence = errors.New("eventstore: invalid sequence")

	// ErrAggregateNotFound is returned by LatestVersion/LatestCID/Load
	// when the aggregate has no stored events.
	ErrAggregateNotFound = errors.New("eventstore: aggregate not found")

	// ErrCidNotFound is returned by LoadFromCID when no stored event
	// carries the requested CID.
	ErrCidNotFound = errors.New("eventstore: cid not found")
)

// ErrConcurrencyConflict reports that an appender's expected_version
// no longer matches the aggregate's actual latest version.
type ErrConcurrencyConflict struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ErrConcurrencyConflict) Error() string {
	return fmt.Sprintf("eventstore: concurrency conflict on %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ErrConcurrencyConflict) Is(target error) bool {
	_, ok := target.(*ErrConcurrencyConflict)
	return ok
}
