package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plaenen/eventcore/pkg/chain"
	"github.com/plaenen/eventcore/pkg/cid"
	"github.com/plaenen/eventcore/pkg/idgen"
	"github.com/plaenen/eventcore/pkg/migrate"
	"github.com/plaenen/eventcore/pkg/objectstore"
	"github.com/plaenen/eventcore/pkg/observability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Publisher delivers a durably committed StoredEvent onto the
// cross-domain event bus. Append calls Publish only after the sqlite
// transaction has committed; a publish failure does not roll back the
// append and surfaces as ErrBrokerUnavailable.
type Publisher interface {
	PublishEvent(ctx context.Context, event StoredEvent) error
}

// noopPublisher is used when a Store is built without a Publisher, for
// tests and offline tooling.
type noopPublisher struct{}

func (noopPublisher) PublishEvent(context.Context, StoredEvent) error { return nil }

type storeConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	publisher    Publisher
	metrics      *observability.Metrics
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "eventstore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		publisher:    noopPublisher{},
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the sqlite data source name (file path, or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *storeConfig) { c.dsn = dsn }
}

// WithMemoryDatabase opens an in-memory sqlite database.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) { c.dsn = ":memory:" }
}

// WithMaxOpenConns bounds the sqlite connection pool.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) { c.maxOpenConns = n }
}

// WithMaxIdleConns bounds idle sqlite connections.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) { c.maxIdleConns = n }
}

// WithWALMode toggles write-ahead logging. Ignored for :memory:.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) { c.walMode = enabled }
}

// WithAutoMigrate toggles running pending migrations on construction.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) { c.autoMigrate = enabled }
}

// WithPublisher sets the event bus events are published onto after
// each durable commit.
func WithPublisher(p Publisher) Option {
	return func(c *storeConfig) { c.publisher = p }
}

// WithMetrics records Append latency and throughput onto m. Optional;
// a nil Metrics (the default) records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *storeConfig) { c.metrics = m }
}

// Store is the sqlite-backed, content-addressed event store.
type Store struct {
	db        *sql.DB
	objects   *objectstore.Store
	publisher Publisher
	metrics   *observability.Metrics

	// locks serializes appends per aggregate so the expected-version
	// check and the insert happen as one logical unit even though the
	// sqlite transaction alone already enforces it cross-process; this
	// avoids needlessly retrying the common single-process race.
	locks sync.Map // aggregateID -> *sync.Mutex
}

// New opens (and by default migrates) a sqlite-backed Store over
// objects, the object store used to externalize event payloads.
func New(objects *objectstore.Store, opts ...Option) (*Store, error) {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: opening database: %w", err)
	}

	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if cfg.walMode && cfg.dsn != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL; PRAGMA foreign_keys = ON;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventstore: enabling WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		migrator := migrate.New(db, "eventstore_schema_migrations")
		if err := migrator.LoadFromFS(migrationsFS, "migrations"); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventstore: loading migrations: %w", err)
		}
		if err := migrator.Up(); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventstore: running migrations: %w", err)
		}
	}

	return &Store{db: db, objects: objects, publisher: cfg.publisher, metrics: cfg.metrics}, nil
}

// Close releases the underlying sqlite connection pool. The object
// store is owned by the caller and is not closed here.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(aggregateID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(aggregateID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Append commits events to aggregateID's stream, assigning sequence
// numbers expectedVersion+1..expectedVersion+len(events). expectedVersion
// of 0 means "create genesis". The append is atomic: either every
// event persists, or none does.
func (s *Store) Append(ctx context.Context, aggregateID string, events []DomainEvent, expectedVersion int64) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, fmt.Errorf("%w: append requires at least one event", ErrInvalidSequence)
	}

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordEventStoreOperation(ctx, "append", time.Since(start), len(events))
		}
	}()

	mu := s.lockFor(aggregateID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("eventstore: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	actual, previousCID, err := s.latestLocked(ctx, tx, aggregateID)
	if err != nil {
		return AppendResult{}, err
	}
	if actual != expectedVersion {
		return AppendResult{}, &ErrConcurrencyConflict{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
	}

	now := time.Now().UTC()
	stored := make([]StoredEvent, 0, len(events))
	prev := previousCID

	for i, evt := range events {
		seq := expectedVersion + int64(i) + 1
		evt.Sequence = seq
		if evt.ID == "" {
			evt.ID = idgen.MustGenerateSortableID()
		}
		// Normalize to UTC before chaining: scanRows always reconstructs
		// Timestamp as time.Unix(0, nanos).UTC() on reload, and the
		// canonical encoding formats time.Time with its Location intact
		// (cid.go's RFC3339Nano mode), so a non-UTC Timestamp here would
		// hash differently than the value chain.Recompute sees on reload.
		evt.Timestamp = evt.Timestamp.UTC()
		chained, err := chain.New(evt, seq, prev)
		if err != nil {
			return AppendResult{}, fmt.Errorf("eventstore: chaining event at sequence %d: %w", seq, err)
		}

		if err := s.objects.Put(ctx, chained.CID, evt.Payload, eventTypeTag); err != nil {
			return AppendResult{}, fmt.Errorf("%w: %v", ErrObjectStoreUnavailable, err)
		}

		inserted, err := s.insertIndexRow(ctx, tx, aggregateID, chained, now)
		if err != nil {
			return AppendResult{}, err
		}

		se := StoredEvent{ChainedEvent: chained, StreamPosition: inserted, AppendedAt: now}
		stored = append(stored, se)

		c := chained.CID
		prev = &c
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("eventstore: committing append: %w", err)
	}

	var publishErr error
	for _, se := range stored {
		if err := s.publisher.PublishEvent(ctx, se); err != nil {
			publishErr = err
		}
	}
	if publishErr != nil {
		return AppendResult{Events: stored, FinalVersion: stored[len(stored)-1].Sequence},
			fmt.Errorf("%w: %v", ErrBrokerUnavailable, publishErr)
	}

	return AppendResult{Events: stored, FinalVersion: stored[len(stored)-1].Sequence}, nil
}

// insertIndexRow inserts one event index row, returning the
// broker-assigned stream position (monotonic rowid within this
// store). A duplicate (aggregate_id, cid) is treated as an idempotent
// success and returns the existing row's stream position.
func (s *Store) insertIndexRow(ctx context.Context, tx *sql.Tx, aggregateID string, ce ChainedEvent, appendedAt time.Time) (int64, error) {
	evt, ok := ce.Event.(DomainEvent)
	if !ok {
		return 0, fmt.Errorf("eventstore: chained event does not wrap a DomainEvent")
	}

	var previousCIDBytes []byte
	if ce.PreviousCID != nil {
		previousCIDBytes = ce.PreviousCID.Bytes()
	}
	metadataJSON, err := cid.Encode(evt.Metadata)
	if err != nil {
		return 0, fmt.Errorf("eventstore: encoding metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_index (
			event_id, aggregate_id, aggregate_type, event_type, sequence,
			cid, previous_cid, timestamp, correlation_id, causation_id,
			actor_id, metadata, appended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		evt.ID, aggregateID, evt.AggregateType, evt.EventType, ce.Sequence,
		ce.CID.Bytes(), previousCIDBytes, evt.Timestamp.UTC().UnixNano(),
		evt.CorrelationID, evt.CausationID, evt.ActorID, metadataJSON,
		appendedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			var existing int64
			row := tx.QueryRowContext(ctx, `
				SELECT rowid FROM event_index
				WHERE aggregate_id = ? AND cid = ?
			`, aggregateID, ce.CID.Bytes())
			if scanErr := row.Scan(&existing); scanErr != nil {
				if errors.Is(scanErr, sql.ErrNoRows) {
					// The (aggregate_id, sequence) index collided but no
					// row shares this event's CID: a genuine race with
					// another appender, not a retried duplicate.
					return 0, &ErrConcurrencyConflict{AggregateID: aggregateID, Expected: ce.Sequence - 1, Actual: ce.Sequence}
				}
				return 0, fmt.Errorf("eventstore: resolving duplicate append: %w", scanErr)
			}
			return existing, nil
		}
		return 0, fmt.Errorf("eventstore: inserting event index row: %w", err)
	}

	position, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("eventstore: reading stream position: %w", err)
	}
	return position, nil
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite reports constraint violations as plain error
	// strings rather than a typed sentinel; matching on the SQLite
	// wire message is the same approach the teacher's sqlite package
	// uses for its own unique-constraint checks.
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// latestLocked returns the current version and latest CID for
// aggregateID as seen within tx. Returns (0, nil, nil) for an
// aggregate with no events (genesis).
func (s *Store) latestLocked(ctx context.Context, tx *sql.Tx, aggregateID string) (int64, *cid.CID, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT sequence, cid FROM event_index
		WHERE aggregate_id = ?
		ORDER BY sequence DESC LIMIT 1
	`, aggregateID)

	var sequence int64
	var cidBytes []byte
	err := row.Scan(&sequence, &cidBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("eventstore: reading latest version: %w", err)
	}
	parsed, err := cid.FromBytes(cidBytes)
	if err != nil {
		return 0, nil, fmt.Errorf("eventstore: decoding stored cid: %w", err)
	}
	return sequence, &parsed, nil
}

// LatestVersion returns the highest sequence number stored for
// aggregateID, or 0 with ErrAggregateNotFound if it has no events.
func (s *Store) LatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_index WHERE aggregate_id = ?
	`, aggregateID)
	var sequence sql.NullInt64
	if err := row.Scan(&sequence); err != nil {
		return 0, fmt.Errorf("eventstore: reading latest version: %w", err)
	}
	if !sequence.Valid {
		return 0, ErrAggregateNotFound
	}
	return sequence.Int64, nil
}

// LatestCID returns the CID of the most recently appended event for
// aggregateID.
func (s *Store) LatestCID(ctx context.Context, aggregateID string) (cid.CID, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cid FROM event_index WHERE aggregate_id = ?
		ORDER BY sequence DESC LIMIT 1
	`, aggregateID)
	var cidBytes []byte
	if err := row.Scan(&cidBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cid.CID{}, ErrAggregateNotFound
		}
		return cid.CID{}, fmt.Errorf("eventstore: reading latest cid: %w", err)
	}
	return cid.FromBytes(cidBytes)
}

// Load streams StoredEvents for aggregateID with fromSequence <=
// sequence <= toSequence, ordered by sequence. toSequence of 0 means
// "no upper bound".
func (s *Store) Load(ctx context.Context, aggregateID string, fromSequence, toSequence int64) ([]StoredEvent, error) {
	if fromSequence <= 0 {
		fromSequence = 1
	}

	query := `
		SELECT rowid, event_id, aggregate_type, event_type, sequence, cid,
		       previous_cid, timestamp, correlation_id, causation_id,
		       actor_id, metadata, appended_at
		FROM event_index
		WHERE aggregate_id = ? AND sequence >= ?
	`
	args := []any{aggregateID, fromSequence}
	if toSequence > 0 {
		query += " AND sequence <= ?"
		args = append(args, toSequence)
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: querying event index: %w", err)
	}
	defer rows.Close()

	// Full-chain validation (genesis onward) only applies when the
	// caller asked for the stream from the beginning; a mid-stream
	// slice cannot itself prove it starts at a genuine genesis, so its
	// chain is validated incrementally by the replay engine (C6)
	// instead, which already tracks the previous CID across calls.
	events, err := s.scanRows(ctx, rows, aggregateID, fromSequence == 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && fromSequence == 1 {
		if _, err := s.LatestVersion(ctx, aggregateID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// LoadFromCID streams StoredEvents for the aggregate owning cid,
// starting at the event with that CID inclusive.
func (s *Store) LoadFromCID(ctx context.Context, target cid.CID) ([]StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, sequence FROM event_index WHERE cid = ?
	`, target.Bytes())
	var aggregateID string
	var sequence int64
	if err := row.Scan(&aggregateID, &sequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCidNotFound
		}
		return nil, fmt.Errorf("eventstore: resolving cid to aggregate: %w", err)
	}
	return s.Load(ctx, aggregateID, sequence, 0)
}

func (s *Store) scanRows(ctx context.Context, rows *sql.Rows, aggregateID string, validateFullChain bool) ([]StoredEvent, error) {
	var out []StoredEvent
	for rows.Next() {
		var (
			eventID, aggregateType, eventType         string
			streamPosition, sequence                  int64
			timestampNanos, appendedAtNanos           int64
			cidBytes, previousCIDBytes, metadataJSON  []byte
			correlationID, causationID, actorID       string
		)
		if err := rows.Scan(
			&streamPosition, &eventID, &aggregateType, &eventType, &sequence, &cidBytes,
			&previousCIDBytes, &timestampNanos, &correlationID, &causationID,
			&actorID, &metadataJSON, &appendedAtNanos,
		); err != nil {
			return nil, fmt.Errorf("eventstore: scanning event index row: %w", err)
		}

		payload, err := s.objects.Get(ctx, mustCID(cidBytes), eventTypeTag)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrObjectStoreUnavailable, err)
		}

		var metadata map[string]string
		if len(metadataJSON) > 0 {
			if err := cid.Decode(metadataJSON, &metadata); err != nil {
				return nil, fmt.Errorf("eventstore: decoding metadata: %w", err)
			}
		}

		evt := DomainEvent{
			ID:            eventID,
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     eventType,
			Sequence:      sequence,
			Timestamp:     time.Unix(0, timestampNanos).UTC(),
			CorrelationID: correlationID,
			CausationID:   causationID,
			ActorID:       actorID,
			Payload:       payload,
			Metadata:      metadata,
		}

		c, err := cid.FromBytes(cidBytes)
		if err != nil {
			return nil, fmt.Errorf("eventstore: decoding stored cid: %w", err)
		}

		var previous *cid.CID
		if len(previousCIDBytes) > 0 {
			p, err := cid.FromBytes(previousCIDBytes)
			if err != nil {
				return nil, fmt.Errorf("eventstore: decoding previous cid: %w", err)
			}
			previous = &p
		}

		ce := ChainedEvent{Event: evt, CID: c, PreviousCID: previous, Sequence: sequence}
		out = append(out, StoredEvent{
			ChainedEvent:   ce,
			StreamPosition: streamPosition,
			AppendedAt:     time.Unix(0, appendedAtNanos).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterating event index rows: %w", err)
	}

	if validateFullChain {
		if err := chain.ValidateChain(extractChained(out)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainIntegrityError, err)
		}
	}

	return out, nil
}

func extractChained(stored []StoredEvent) []chain.ChainedEvent {
	out := make([]chain.ChainedEvent, len(stored))
	for i, se := range stored {
		out[i] = se.ChainedEvent
	}
	return out
}

func mustCID(b []byte) cid.CID {
	c, err := cid.FromBytes(b)
	if err != nil {
		// Index rows only ever contain bytes this process itself wrote
		// via cid.CID.Bytes(); a decode failure here means the index
		// row is corrupt, not a caller error.
		panic(fmt.Sprintf("eventstore: corrupt cid in index: %v", err))
	}
	return c
}
