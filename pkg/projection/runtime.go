package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/observability"
)

// Handler applies one event to a projection's read model. It must be
// deterministic and idempotent: the runtime guarantees at-least-once
// delivery, never exactly-once, so a handler may see the same event
// more than once and must tolerate it (e.g. by deduping on CID).
type Handler func(ctx context.Context, event eventstore.StoredEvent) error

// Registration describes one projection's runtime contract.
type Registration struct {
	Name       string
	Handle     Handler
	MaxRetries int  // default 3 if zero
	Strict     bool // halt the projection on final failure instead of parking to the dead letter lane
}

func (r Registration) maxRetries() int {
	if r.MaxRetries <= 0 {
		return 3
	}
	return r.MaxRetries
}

// EventSource delivers events to a named projection from a given
// stream position onward (exclusive), calling handler for each and
// stopping when ctx is cancelled or handler returns a final,
// unrecoverable error. name identifies the projection's own durable
// consumer on the broker, so two projections reading the bus
// concurrently never share a cursor. It is satisfied by the
// cross-domain event bus client; kept as an interface here so the
// runtime has no import-time dependency on the broker.
type EventSource interface {
	Subscribe(ctx context.Context, name string, fromPosition int64, handler func(ctx context.Context, event eventstore.StoredEvent) error) error
}

// DeadLetterSink parks an event a lenient projection could not apply
// after exhausting its retries, so the projection can continue past
// it instead of halting.
type DeadLetterSink interface {
	Park(ctx context.Context, projectionName string, event eventstore.StoredEvent, cause error) error
}

// Runtime runs registered projections, maintaining their durable
// checkpoints and retrying/parking failed applies.
type Runtime struct {
	checkpoints *CheckpointStore
	status      *StatusStore
	source      EventSource
	dlq         DeadLetterSink
	metrics     *observability.Metrics

	mu            sync.Mutex
	registrations map[string]Registration
}

// NewRuntime builds a Runtime over source (the event delivery
// mechanism), persisting checkpoints/status via checkpoints/status and
// parking exhausted-retry events via dlq.
func NewRuntime(source EventSource, checkpoints *CheckpointStore, status *StatusStore, dlq DeadLetterSink) *Runtime {
	return &Runtime{
		checkpoints:   checkpoints,
		status:        status,
		source:        source,
		dlq:           dlq,
		registrations: make(map[string]Registration),
	}
}

// WithMetrics records dead-letter parking and lag onto m. Optional; a
// nil Metrics (the default) records nothing.
func (r *Runtime) WithMetrics(m *observability.Metrics) *Runtime {
	r.metrics = m
	return r
}

// Register adds reg to the set of projections Run can drive. Calling
// Register twice for the same name replaces the prior registration.
func (r *Runtime) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[reg.Name] = reg
}

// Run resumes name from its last checkpoint (or stream origin if none
// exists) and blocks, applying events as EventSource delivers them,
// until ctx is cancelled or a strict projection halts on an
// unrecoverable event.
func (r *Runtime) Run(ctx context.Context, name string) error {
	r.mu.Lock()
	reg, ok := r.registrations[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("projection: %q is not registered", name)
	}

	checkpoint, err := r.checkpoints.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("projection: loading checkpoint for %q: %w", name, err)
	}

	if err := r.status.Save(ctx, State{ProjectionName: name, Status: StatusReady, UpdatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("projection: recording status for %q: %w", name, err)
	}

	return r.source.Subscribe(ctx, name, checkpoint.StreamPosition, func(ctx context.Context, event eventstore.StoredEvent) error {
		if err := r.applyWithRetry(ctx, reg, event); err != nil {
			if reg.Strict {
				_ = r.status.Save(ctx, State{ProjectionName: name, Status: StatusHalted, Message: err.Error(), UpdatedAt: time.Now().UTC()})
				if r.metrics != nil {
					r.metrics.RecordProjectionError(ctx, name, "halted")
				}
				return fmt.Errorf("projection %q halted at stream position %d: %w", name, event.StreamPosition, err)
			}
			if r.dlq != nil {
				if dlqErr := r.dlq.Park(ctx, name, event, err); dlqErr != nil {
					return fmt.Errorf("projection %q: parking to dead letter lane: %w", name, dlqErr)
				}
				if r.metrics != nil {
					r.metrics.RecordProjectionError(ctx, name, "parked")
				}
			}
		}

		if r.metrics != nil {
			r.metrics.RecordProjectionLag(ctx, name, time.Since(event.AppendedAt).Seconds())
		}

		return r.checkpoints.Save(ctx, Checkpoint{
			ProjectionName: name,
			StreamPosition: event.StreamPosition,
			LastCID:        event.CID,
			UpdatedAt:      time.Now().UTC(),
		})
	})
}

// applyWithRetry calls reg.Handle, retrying with exponential backoff
// (10ms, 20ms, 40ms, ...) up to reg.maxRetries() times before giving
// up.
func (r *Runtime) applyWithRetry(ctx context.Context, reg Registration, event eventstore.StoredEvent) error {
	var lastErr error
	for attempt := 0; attempt <= reg.maxRetries(); attempt++ {
		if err := reg.Handle(ctx, event); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == reg.maxRetries() {
			break
		}
		backoff := time.Duration(10*(1<<uint(attempt))) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("projection %q: exhausted %d retries: %w", reg.Name, reg.maxRetries(), lastErr)
}

// Rebuild resets name's read model (via reset) and checkpoint, then
// replays the full event history through source from stream origin,
// per the "on deployment of a new projection, start from stream origin"
// contract.
func (r *Runtime) Rebuild(ctx context.Context, name string, reset func(context.Context) error) error {
	r.mu.Lock()
	reg, ok := r.registrations[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("projection: %q is not registered", name)
	}

	if err := r.status.Save(ctx, State{ProjectionName: name, Status: StatusRebuilding, UpdatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("projection: recording rebuild status for %q: %w", name, err)
	}

	if reset != nil {
		if err := reset(ctx); err != nil {
			return fmt.Errorf("projection: resetting read model for %q: %w", name, err)
		}
	}
	if err := r.checkpoints.Delete(ctx, name); err != nil {
		return fmt.Errorf("projection: deleting checkpoint for %q: %w", name, err)
	}

	return r.Run(ctx, reg.Name)
}
