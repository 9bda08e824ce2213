// Package replay implements the replay engine (C6): rebuilding
// aggregate state by streaming events in sequence order (optionally
// starting from a snapshot), and bulk-replaying the whole event store
// in broker order for projections and migrations.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/eventcore/pkg/chain"
	"github.com/plaenen/eventcore/pkg/cid"
	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/snapshot"
)

// EventStore is the subset of *eventstore.Store the replay engine
// depends on, kept as an interface so callers can substitute a test
// double without pulling in sqlite.
type EventStore interface {
	Load(ctx context.Context, aggregateID string, fromSequence, toSequence int64) ([]eventstore.StoredEvent, error)
}

// SnapshotStore is the subset of *snapshot.Store the replay engine
// depends on.
type SnapshotStore interface {
	Latest(ctx context.Context, aggregateID string) (snapshot.Snapshot, error)
	LoadState(ctx context.Context, snap snapshot.Snapshot, out any) error
}

// Fold applies one stored event to state, returning the next state.
// It must be deterministic and should not mutate state in place if
// the caller intends to retain the previous value.
type Fold[S any] func(state S, event eventstore.StoredEvent) (S, error)

// LoadAggregate rebuilds an aggregate's state by loading its latest
// snapshot (if any) and folding every event after it, or folding from
// sequence 1 if no snapshot exists. The CID chain is validated
// incrementally across the snapshot/event boundary as it folds; on
// any chain error the aggregate is never returned partially built.
func LoadAggregate[S any](ctx context.Context, events EventStore, snapshots SnapshotStore, aggregateID string, zero S, fold Fold[S]) (S, int64, error) {
	state := zero
	fromSequence := int64(1)
	var previous *cid.CID

	if snapshots != nil {
		snap, err := snapshots.Latest(ctx, aggregateID)
		switch {
		case err == nil:
			if err := snapshots.LoadState(ctx, snap, &state); err != nil {
				return zero, 0, fmt.Errorf("replay: loading snapshot state: %w", err)
			}
			fromSequence = snap.Sequence + 1
			boundary, err := events.Load(ctx, aggregateID, snap.Sequence, snap.Sequence)
			if err != nil {
				return zero, 0, fmt.Errorf("replay: loading snapshot boundary event: %w", err)
			}
			if len(boundary) != 1 {
				return zero, 0, fmt.Errorf("%w: %v", eventstore.ErrChainIntegrityError,
					&chain.Error{Kind: chain.GapAtSequence, AtSequence: snap.Sequence})
			}
			c := boundary[0].CID
			previous = &c
		case err == snapshot.ErrSnapshotNotFound:
			// fall through, replay from origin
		default:
			return zero, 0, fmt.Errorf("replay: querying snapshot: %w", err)
		}
	}

	stored, err := events.Load(ctx, aggregateID, fromSequence, 0)
	if err != nil {
		return zero, 0, fmt.Errorf("replay: loading events: %w", err)
	}

	lastSequence := fromSequence - 1
	for _, se := range stored {
		if previous != nil {
			if se.PreviousCID == nil || !se.PreviousCID.Equal(*previous) {
				return zero, 0, fmt.Errorf("%w: %v", eventstore.ErrChainIntegrityError,
					&chain.Error{Kind: chain.PreviousLinkBroken, AtSequence: se.Sequence})
			}
			recomputed, err := chain.Recompute(se.Event, se.PreviousCID)
			if err != nil || !recomputed.Equal(se.CID) {
				return zero, 0, fmt.Errorf("%w: %v", eventstore.ErrChainIntegrityError,
					&chain.Error{Kind: chain.CidMismatch, AtSequence: se.Sequence})
			}
		}

		state, err = fold(state, se)
		if err != nil {
			return zero, 0, fmt.Errorf("replay: folding event at sequence %d: %w", se.Sequence, err)
		}

		c := se.CID
		previous = &c
		lastSequence = se.Sequence
	}

	return state, lastSequence, nil
}

// ReplayStats summarizes one BulkReplay run.
type ReplayStats struct {
	EventsProcessed   int
	AggregatesTouched int
	Duration          time.Duration
	Errors            []error
}

// BulkSource streams all stored events in broker order, independent of
// aggregate. Implementations must honor ctx cancellation so a slow
// consumer naturally backpressures the source instead of the engine
// buffering unboundedly.
type BulkSource interface {
	// Next returns the next event in broker order, or ok=false once
	// exhausted (no more events currently available).
	Next(ctx context.Context) (event eventstore.StoredEvent, ok bool, err error)
}

// BulkReplayOptions configures a BulkReplay run.
type BulkReplayOptions struct {
	// AggregateTypeFilter, if non-empty, restricts replay to events
	// whose aggregate type appears in the set.
	AggregateTypeFilter map[string]struct{}
}

// BulkReplay pulls events from source one at a time — a slow handler
// naturally slows the pull rate, so no unbounded buffering ever
// accumulates — invoking handler for each one until source is
// exhausted or ctx is cancelled.
func BulkReplay(ctx context.Context, source BulkSource, opts BulkReplayOptions, handler func(context.Context, eventstore.StoredEvent) error) (ReplayStats, error) {
	start := time.Now()
	stats := ReplayStats{}
	touched := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(start)
			return stats, ctx.Err()
		default:
		}

		event, ok, err := source.Next(ctx)
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("replay: pulling next event: %w", err)
		}
		if !ok {
			break
		}

		if len(opts.AggregateTypeFilter) > 0 {
			evt, isDomainEvent := event.Event.(eventstore.DomainEvent)
			if !isDomainEvent {
				continue
			}
			if _, wanted := opts.AggregateTypeFilter[evt.AggregateType]; !wanted {
				continue
			}
			touched[evt.AggregateID] = struct{}{}
		} else if evt, isDomainEvent := event.Event.(eventstore.DomainEvent); isDomainEvent {
			touched[evt.AggregateID] = struct{}{}
		}

		if err := handler(ctx, event); err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("sequence %d: %w", event.Sequence, err))
			continue
		}
		stats.EventsProcessed++
	}

	stats.AggregatesTouched = len(touched)
	stats.Duration = time.Since(start)
	return stats, nil
}
