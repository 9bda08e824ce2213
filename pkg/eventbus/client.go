// Package eventbus implements the cross-domain event bus (C8): a
// NATS-JetStream-backed publish/subscribe fabric for domain events,
// dead-letter parking, command and query request/reply, and periodic
// metrics snapshots.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventcore/pkg/cid"
	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/security/credentials"
)

// Config configures a Client's connection and the JetStream streams it
// ensures on startup (spec.md §6).
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies this client in NATS connection diagnostics.
	Name string

	// CredentialProvider resolves broker credentials (BrokerCredentials
	// in spec.md §6). Optional; an unauthenticated connection is used
	// when nil (local/embedded development).
	CredentialProvider credentials.Provider

	// MaxPayloadBytes caps the event stream's message size. Default 1 MiB.
	MaxPayloadBytes int32

	// TLSRequired rejects a connection to a broker that did not
	// negotiate TLS. Connect enforces this by requiring a tls:// URL
	// and attaching nats.Secure() to the dial options.
	TLSRequired bool

	// EventRetention is how long the event stream retains messages.
	// Default 1 year.
	EventRetention time.Duration

	// EventMaxBytes caps the event stream's total storage. Default 10 GiB.
	EventMaxBytes int64

	// DedupWindow is the JetStream message-id deduplication window for
	// the event stream. Default 2 minutes.
	DedupWindow time.Duration

	// DLQRetention is how long the dead-letter stream retains parked
	// events. Default 7 days.
	DLQRetention time.Duration

	// RequestTimeout bounds command/query request-reply calls made
	// without a context deadline. Default 30 seconds.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "eventcore-client"
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = 1024 * 1024
	}
	if c.EventRetention == 0 {
		c.EventRetention = 365 * 24 * time.Hour
	}
	if c.EventMaxBytes == 0 {
		c.EventMaxBytes = 10 * 1024 * 1024 * 1024
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 2 * time.Minute
	}
	if c.DLQRetention == 0 {
		c.DLQRetention = 7 * 24 * time.Hour
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

const (
	eventStreamName = "EVENTS"
	dlqStreamName   = "EVENTS_DLQ"
)

// Client is a connected handle to the cross-domain bus. It implements
// eventstore.Publisher, projection.EventSource, and
// projection.DeadLetterSink by duck typing, so the event store and
// projection runtime can depend on it without importing this package.
type Client struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	config  Config
	metrics *observability.Metrics
}

// WithMetrics records publish latency and message counts onto m.
// Optional; a nil Metrics (the default) records nothing.
func (c *Client) WithMetrics(m *observability.Metrics) *Client {
	c.metrics = m
	return c
}

// Connect dials url (or reuses an already-running embedded server's
// URL) and ensures the event and dead-letter streams exist.
func Connect(ctx context.Context, config Config) (*Client, error) {
	config = config.withDefaults()

	if config.TLSRequired && !strings.HasPrefix(config.URL, "tls://") {
		return nil, fmt.Errorf("eventbus: TLSRequired is set but broker URL %q is not tls://", config.URL)
	}

	opts := []nats.Option{nats.Name(config.Name)}
	if config.TLSRequired {
		opts = append(opts, nats.Secure())
	}
	if config.CredentialProvider != nil {
		creds, err := config.CredentialProvider.GetCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("eventbus: resolving broker credentials: %w", err)
		}
		switch creds.Type {
		case credentials.CredentialTypeToken:
			opts = append(opts, nats.Token(creds.Token))
		case credentials.CredentialTypeUserPassword:
			opts = append(opts, nats.UserInfo(creds.User, creds.Password))
		case credentials.CredentialTypeNKey:
			kp, err := nats.NkeyOptionFromSeed(creds.Seed)
			if err != nil {
				return nil, fmt.Errorf("eventbus: invalid nkey seed: %w", err)
			}
			opts = append(opts, kp)
		default:
			return nil, fmt.Errorf("eventbus: unsupported credential type: %s", creds.Type)
		}
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus: creating jetstream context: %w", err)
	}

	client := &Client{nc: nc, js: js, config: config}
	if err := client.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) ensureStreams() error {
	eventCfg := &nats.StreamConfig{
		Name:       eventStreamName,
		Subjects:   []string{eventStreamSubjects},
		Retention:  nats.LimitsPolicy,
		MaxAge:     c.config.EventRetention,
		MaxBytes:   c.config.EventMaxBytes,
		MaxMsgSize: c.config.MaxPayloadBytes,
		Duplicates: c.config.DedupWindow,
		Storage:    nats.FileStorage,
	}
	if err := c.ensureStream(eventCfg); err != nil {
		return fmt.Errorf("eventbus: ensuring event stream: %w", err)
	}

	dlqCfg := &nats.StreamConfig{
		Name:      dlqStreamName,
		Subjects:  []string{dlqStreamSubjects},
		Retention: nats.LimitsPolicy,
		MaxAge:    c.config.DLQRetention,
		Storage:   nats.FileStorage,
	}
	if err := c.ensureStream(dlqCfg); err != nil {
		return fmt.Errorf("eventbus: ensuring dead-letter stream: %w", err)
	}

	return nil
}

func (c *Client) ensureStream(cfg *nats.StreamConfig) error {
	if _, err := c.js.StreamInfo(cfg.Name); err != nil {
		_, err := c.js.AddStream(cfg)
		return err
	}
	_, err := c.js.UpdateStream(cfg)
	return err
}

// PublishEvent publishes event to event.<aggregate_type>.<event_type>,
// satisfying eventstore.Publisher. Deduplication rides on JetStream's
// message-id window keyed by the event's own id.
func (c *Client) PublishEvent(ctx context.Context, event eventstore.StoredEvent) error {
	domainEvent, ok := event.Event.(eventstore.DomainEvent)
	if !ok {
		return fmt.Errorf("%w: Event field is not a DomainEvent", ErrInvalidEvent)
	}

	data, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("eventbus: encoding event: %w", err)
	}

	subject := EventSubject(domainEvent.AggregateType, domainEvent.EventType)
	start := time.Now()
	_, err = c.js.Publish(subject, data, nats.MsgId(domainEvent.ID), nats.Context(ctx))
	if c.metrics != nil {
		c.metrics.RecordNATSPublish(ctx, subject, time.Since(start), 1)
	}
	if err != nil {
		return fmt.Errorf("eventbus: publishing event: %w", err)
	}
	return nil
}

// Subscribe delivers every event on event.> to handler through name's
// own durable pull consumer, skipping any whose embedded
// StreamPosition is not strictly greater than fromPosition, and
// satisfies projection.EventSource. It blocks until ctx is cancelled
// or handler returns an error that should halt the projection.
func (c *Client) Subscribe(ctx context.Context, name string, fromPosition int64, handler func(ctx context.Context, event eventstore.StoredEvent) error) error {
	durable := "projection-" + name
	sub, err := c.js.PullSubscribe(
		eventStreamSubjects,
		durable,
		nats.BindStream(eventStreamName),
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("eventbus: subscribing projection %q to event stream: %w", name, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(32, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			return fmt.Errorf("eventbus: fetching events: %w", err)
		}

		for _, msg := range msgs {
			event, err := decodeEvent(msg.Data)
			if err != nil {
				msg.Nak()
				continue
			}
			if event.StreamPosition <= fromPosition {
				msg.Ack()
				continue
			}
			if err := handler(ctx, event); err != nil {
				msg.Nak()
				return err
			}
			msg.Ack()
		}
	}
}

// Park publishes event to event.dlq.<original_subject>, satisfying
// projection.DeadLetterSink.
func (c *Client) Park(ctx context.Context, projectionName string, event eventstore.StoredEvent, cause error) error {
	domainEvent, ok := event.Event.(eventstore.DomainEvent)
	if !ok {
		return fmt.Errorf("%w: Event field is not a DomainEvent", ErrInvalidEvent)
	}

	data, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("eventbus: encoding parked event: %w", err)
	}

	originalSubject := EventSubject(domainEvent.AggregateType, domainEvent.EventType)
	msg := nats.NewMsg(DLQSubject(originalSubject))
	msg.Data = data
	msg.Header.Set("Projection-Name", projectionName)
	if cause != nil {
		msg.Header.Set("Failure-Reason", cause.Error())
	}

	_, err = c.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("eventbus: parking event to dead letter lane: %w", err)
	}
	return nil
}

// PublishMetric publishes payload (JSON-encoded, for human-readable
// tooling at the periphery) to stream.metrics.<name>.
func (c *Client) PublishMetric(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encoding metric %q: %w", name, err)
	}
	return c.nc.Publish(MetricsSubject(name), data)
}

// CommandHandlerFunc handles a command request's raw payload and
// returns the outcome.
type CommandHandlerFunc func(ctx context.Context, payload []byte) (CommandResult, error)

// RegisterCommandHandler queue-subscribes to cmd.<domain>.<action>,
// load-balancing across every process that registers the same
// domain/action pair.
func (c *Client) RegisterCommandHandler(domain, action string, handle CommandHandlerFunc) error {
	subject := CommandSubject(domain, action)
	queue := fmt.Sprintf("cmd-handlers-%s-%s", domain, action)

	_, err := c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx := decodeMetadataEnvelope(context.Background(), msg.Header.Get(metadataHeader))
		result, err := handle(ctx, msg.Data)
		if err != nil {
			result = CommandResult{Outcome: OutcomeBusinessError, Message: err.Error()}
		}
		c.respondCommand(msg, result)
	})
	if err != nil {
		return fmt.Errorf("eventbus: registering command handler for %s: %w", subject, err)
	}
	return nil
}

func (c *Client) respondCommand(msg *nats.Msg, result CommandResult) {
	wire := commandResultWire{
		Outcome:     string(result.Outcome),
		Message:     result.Message,
		AggregateID: result.AggregateID,
		Version:     result.Version,
	}
	data, err := cid.Encode(wire)
	if err != nil {
		data, _ = cid.Encode(commandResultWire{Outcome: string(OutcomeBusinessError), Message: "eventbus: failed to encode response"})
	}
	msg.Respond(data)
}

// SendCommand sends payload to cmd.<domain>.<action> and waits for a
// CommandResult, honoring ctx's deadline (falling back to
// RequestTimeout when ctx carries none).
func (c *Client) SendCommand(ctx context.Context, domain, action string, payload []byte) (CommandResult, error) {
	subject := CommandSubject(domain, action)

	req := nats.NewMsg(subject)
	req.Data = payload
	if header, ok := encodeMetadataEnvelope(ctx); ok {
		req.Header.Set(metadataHeader, header)
	}

	msg, err := c.nc.RequestMsg(req, c.requestTimeout(ctx))
	if err != nil {
		if err == nats.ErrTimeout || err == nats.ErrNoResponders {
			return CommandResult{}, ErrRequestTimeout
		}
		return CommandResult{}, fmt.Errorf("eventbus: sending command %s: %w", subject, err)
	}

	var wire commandResultWire
	if err := cid.Decode(msg.Data, &wire); err != nil {
		return CommandResult{}, fmt.Errorf("eventbus: decoding command result: %w", err)
	}
	return CommandResult{
		Outcome:     Outcome(wire.Outcome),
		Message:     wire.Message,
		AggregateID: wire.AggregateID,
		Version:     wire.Version,
	}, nil
}

// QueryHandlerFunc handles a query request's raw payload and returns
// the result, with data already canonically encoded via pkg/cid.
type QueryHandlerFunc func(ctx context.Context, payload []byte) (data []byte, metadata map[string]string, pagination *Pagination, err error)

// RegisterQueryHandler queue-subscribes to query.<domain>.<query_type>.
func (c *Client) RegisterQueryHandler(domain, queryType string, handle QueryHandlerFunc) error {
	subject := QuerySubject(domain, queryType)
	queue := fmt.Sprintf("query-handlers-%s-%s", domain, queryType)

	_, err := c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx := decodeMetadataEnvelope(context.Background(), msg.Header.Get(metadataHeader))
		data, metadata, pagination, err := handle(ctx, msg.Data)
		wire := queryResultWire{Data: data, Metadata: metadata}
		if err != nil {
			wire.Metadata = map[string]string{"error": err.Error()}
		}
		if pagination != nil {
			wire.NextCursor = pagination.NextCursor
			wire.HasMore = pagination.HasMore
		}
		reply, encErr := cid.Encode(wire)
		if encErr != nil {
			return
		}
		msg.Respond(reply)
	})
	if err != nil {
		return fmt.Errorf("eventbus: registering query handler for %s: %w", subject, err)
	}
	return nil
}

// Query sends payload to query.<domain>.<query_type> and waits for a
// QueryResult.
func (c *Client) Query(ctx context.Context, domain, queryType string, payload []byte) (QueryResult, error) {
	subject := QuerySubject(domain, queryType)

	req := nats.NewMsg(subject)
	req.Data = payload
	if header, ok := encodeMetadataEnvelope(ctx); ok {
		req.Header.Set(metadataHeader, header)
	}

	msg, err := c.nc.RequestMsg(req, c.requestTimeout(ctx))
	if err != nil {
		if err == nats.ErrTimeout || err == nats.ErrNoResponders {
			return QueryResult{}, ErrRequestTimeout
		}
		return QueryResult{}, fmt.Errorf("eventbus: sending query %s: %w", subject, err)
	}

	var wire queryResultWire
	if err := cid.Decode(msg.Data, &wire); err != nil {
		return QueryResult{}, fmt.Errorf("eventbus: decoding query result: %w", err)
	}

	result := QueryResult{Data: wire.Data, Metadata: wire.Metadata}
	if wire.NextCursor != "" || wire.HasMore {
		result.Pagination = &Pagination{NextCursor: wire.NextCursor, HasMore: wire.HasMore}
	}
	return result, nil
}

// requestTimeout derives the request timeout from ctx's deadline, or
// config.RequestTimeout when ctx carries none.
func (c *Client) requestTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return c.config.RequestTimeout
}

// Close closes the broker connection immediately; in-flight work is
// not drained first.
func (c *Client) Close() error {
	c.nc.Close()
	return nil
}
