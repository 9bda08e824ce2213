package eventbus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/plaenen/eventcore/pkg/cid"
	"github.com/plaenen/eventcore/pkg/eventbus"
	"github.com/plaenen/eventcore/pkg/eventstore"
)

func newTestBus(t *testing.T) *eventbus.Client {
	t.Helper()

	srv, err := eventbus.StartEmbeddedServer()
	if err != nil {
		t.Fatalf("StartEmbeddedServer: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := eventbus.Connect(context.Background(), eventbus.Config{URL: srv.URL()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func testStoredEvent(id string, sequence, streamPosition int64) eventstore.StoredEvent {
	return eventstore.StoredEvent{
		ChainedEvent: eventstore.ChainedEvent{
			Event: eventstore.DomainEvent{
				ID:            id,
				AggregateID:   "acct-1",
				AggregateType: "Account",
				EventType:     "Deposited",
				Sequence:      sequence,
				Timestamp:     time.Now().UTC(),
				Payload:       []byte(`{"amount":100}`),
			},
			CID:      cid.HashBytes([]byte(id)),
			Sequence: sequence,
		},
		StreamPosition: streamPosition,
		AppendedAt:     time.Now().UTC(),
	}
}

func TestPublishEventAndSubscribeDeliversInOrder(t *testing.T) {
	client := newTestBus(t)

	for i := int64(1); i <= 3; i++ {
		event := testStoredEvent(fmt.Sprintf("evt-order-%d", i), i, i)
		if err := client.PublishEvent(context.Background(), event); err != nil {
			t.Fatalf("PublishEvent(%d): %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var received []int64
	err := client.Subscribe(ctx, "order-test", 0, func(ctx context.Context, event eventstore.StoredEvent) error {
		received = append(received, event.StreamPosition)
		if len(received) == 3 {
			cancel()
		}
		return nil
	})
	if err != nil && err != context.Canceled {
		t.Fatalf("Subscribe: %v", err)
	}

	if len(received) != 3 || received[0] != 1 || received[1] != 2 || received[2] != 3 {
		t.Fatalf("expected [1 2 3] in order, got %v", received)
	}
}

func TestSubscribeSkipsEventsAtOrBeforeCheckpoint(t *testing.T) {
	client := newTestBus(t)

	for i := int64(1); i <= 3; i++ {
		event := testStoredEvent(fmt.Sprintf("evt-skip-%d", i), i, i)
		if err := client.PublishEvent(context.Background(), event); err != nil {
			t.Fatalf("PublishEvent(%d): %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var received []int64
	err := client.Subscribe(ctx, "resume-test", 1, func(ctx context.Context, event eventstore.StoredEvent) error {
		received = append(received, event.StreamPosition)
		if len(received) == 2 {
			cancel()
		}
		return nil
	})
	if err != nil && err != context.Canceled {
		t.Fatalf("Subscribe: %v", err)
	}

	if len(received) != 2 || received[0] != 2 || received[1] != 3 {
		t.Fatalf("expected [2 3] (skipping position 1), got %v", received)
	}
}

func TestParkPublishesToDeadLetterSubject(t *testing.T) {
	client := newTestBus(t)

	event := testStoredEvent("evt-dlq-1", 1, 1)
	if err := client.Park(context.Background(), "balances", event, errBoom); err != nil {
		t.Fatalf("Park: %v", err)
	}
}

func TestSendCommandRoundTripsSuccess(t *testing.T) {
	client := newTestBus(t)

	err := client.RegisterCommandHandler("account", "OpenAccount", func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
		return eventbus.CommandResult{Outcome: eventbus.OutcomeSuccess, AggregateID: "acct-1", Version: 1}, nil
	})
	if err != nil {
		t.Fatalf("RegisterCommandHandler: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	result, err := client.SendCommand(context.Background(), "account", "OpenAccount", []byte(`{"owner":"alice"}`))
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if result.Outcome != eventbus.OutcomeSuccess || result.AggregateID != "acct-1" || result.Version != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSendCommandReturnsBusinessErrorOutcome(t *testing.T) {
	client := newTestBus(t)

	err := client.RegisterCommandHandler("account", "Withdraw", func(ctx context.Context, payload []byte) (eventbus.CommandResult, error) {
		return eventbus.CommandResult{}, errBoom
	})
	if err != nil {
		t.Fatalf("RegisterCommandHandler: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	result, err := client.SendCommand(context.Background(), "account", "Withdraw", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if result.Outcome != eventbus.OutcomeBusinessError {
		t.Fatalf("expected business error outcome, got %+v", result)
	}
}

func TestSendCommandTimesOutWhenNoHandlerRegistered(t *testing.T) {
	client := newTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.SendCommand(ctx, "account", "Nonexistent", nil)
	if err != eventbus.ErrRequestTimeout {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestQueryRoundTripsDataAndPagination(t *testing.T) {
	client := newTestBus(t)

	err := client.RegisterQueryHandler("account", "Balance", func(ctx context.Context, payload []byte) ([]byte, map[string]string, *eventbus.Pagination, error) {
		return []byte(`{"balance":500}`), map[string]string{"currency": "USD"}, &eventbus.Pagination{HasMore: false}, nil
	})
	if err != nil {
		t.Fatalf("RegisterQueryHandler: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	result, err := client.Query(context.Background(), "account", "Balance", []byte(`{"aggregate_id":"acct-1"}`))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Metadata["currency"] != "USD" {
		t.Fatalf("expected currency metadata, got %+v", result.Metadata)
	}
}

func TestPublishMetricDoesNotError(t *testing.T) {
	client := newTestBus(t)

	err := client.PublishMetric(context.Background(), "eventstore.append", map[string]any{"count": 42})
	if err != nil {
		t.Fatalf("PublishMetric: %v", err)
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
