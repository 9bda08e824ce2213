// Package snapshot implements the snapshot store (C5): aggregate
// state captured at a specific (aggregateID, sequence), serialized to
// canonical bytes, stored as a content-addressed blob, and indexed for
// fast latest/at-or-before lookup.
package snapshot

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plaenen/eventcore/pkg/cid"
	"github.com/plaenen/eventcore/pkg/migrate"
	"github.com/plaenen/eventcore/pkg/objectstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// snapshotTypeTag is the object-store partition snapshot state blobs
// are written under, keeping them isolated from event payload blobs
// sharing the same underlying bucket.
const snapshotTypeTag = "snapshot"

// ErrSnapshotNotFound is returned when no snapshot exists for the
// requested aggregate (Latest) or at/before the requested sequence
// (AtOrBefore).
var ErrSnapshotNotFound = errors.New("snapshot: not found")

// Snapshot is aggregate state at a point in its stream.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Sequence      int64
	CID           cid.CID
	CreatedAt     time.Time
	SchemaVersion int
}

type storeConfig struct {
	dsn          string
	autoMigrate  bool
	maxOpenConns int
}

func defaultStoreConfig() storeConfig {
	return storeConfig{dsn: "snapshot.db", autoMigrate: true, maxOpenConns: 10}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the sqlite data source name.
func WithDSN(dsn string) Option { return func(c *storeConfig) { c.dsn = dsn } }

// WithMemoryDatabase opens an in-memory sqlite database.
func WithMemoryDatabase() Option { return func(c *storeConfig) { c.dsn = ":memory:" } }

// WithAutoMigrate toggles running pending migrations on construction.
func WithAutoMigrate(enabled bool) Option { return func(c *storeConfig) { c.autoMigrate = enabled } }

// Store is the sqlite-indexed, object-store-backed snapshot store.
type Store struct {
	db      *sql.DB
	objects *objectstore.Store
}

// New opens a Store indexing snapshots whose state bytes live in
// objects.
func New(objects *objectstore.Store, opts ...Option) (*Store, error) {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening database: %w", err)
	}
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if cfg.autoMigrate {
		migrator := migrate.New(db, "snapshot_schema_migrations")
		if err := migrator.LoadFromFS(migrationsFS, "migrations"); err != nil {
			db.Close()
			return nil, fmt.Errorf("snapshot: loading migrations: %w", err)
		}
		if err := migrator.Up(); err != nil {
			db.Close()
			return nil, fmt.Errorf("snapshot: running migrations: %w", err)
		}
	}

	return &Store{db: db, objects: objects}, nil
}

// Close releases the underlying sqlite connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Save canonically encodes state, stores it as a blob keyed by its
// CID, and records an index row for (aggregateID, sequence). At most
// one snapshot is ever the "latest" for an aggregate, but prior
// snapshots are retained until explicitly pruned.
func (s *Store) Save(ctx context.Context, aggregateID, aggregateType string, sequence int64, state any, schemaVersion int) (Snapshot, error) {
	encoded, err := cid.Encode(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: encoding state: %w", err)
	}
	c := cid.HashBytes(encoded)

	if err := s.objects.Put(ctx, c, encoded, snapshotTypeTag); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: storing state blob: %w", err)
	}

	createdAt := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshot_index (aggregate_id, aggregate_type, sequence, cid, created_at, schema_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, sequence) DO UPDATE SET
			cid = excluded.cid, created_at = excluded.created_at, schema_version = excluded.schema_version
	`, aggregateID, aggregateType, sequence, c.Bytes(), createdAt.UnixNano(), schemaVersion)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: recording snapshot index: %w", err)
	}

	return Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Sequence:      sequence,
		CID:           c,
		CreatedAt:     createdAt,
		SchemaVersion: schemaVersion,
	}, nil
}

// Latest returns the highest-sequence snapshot for aggregateID.
func (s *Store) Latest(ctx context.Context, aggregateID string) (Snapshot, error) {
	return s.queryOne(ctx, `
		SELECT aggregate_id, aggregate_type, sequence, cid, created_at, schema_version
		FROM snapshot_index WHERE aggregate_id = ?
		ORDER BY sequence DESC LIMIT 1
	`, aggregateID)
}

// AtOrBefore returns the highest-sequence snapshot for aggregateID
// with sequence <= maxSequence. The replay engine's LoadAggregate does
// not call it; it starts from Latest.
func (s *Store) AtOrBefore(ctx context.Context, aggregateID string, maxSequence int64) (Snapshot, error) {
	return s.queryOne(ctx, `
		SELECT aggregate_id, aggregate_type, sequence, cid, created_at, schema_version
		FROM snapshot_index WHERE aggregate_id = ? AND sequence <= ?
		ORDER BY sequence DESC LIMIT 1
	`, aggregateID, maxSequence)
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, query, args...)

	var snap Snapshot
	var cidBytes []byte
	var createdAtNanos int64
	err := row.Scan(&snap.AggregateID, &snap.AggregateType, &snap.Sequence, &cidBytes, &createdAtNanos, &snap.SchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: querying snapshot index: %w", err)
	}

	parsed, err := cid.FromBytes(cidBytes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decoding stored cid: %w", err)
	}
	snap.CID = parsed
	snap.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	return snap, nil
}

// LoadState fetches and decodes the state blob for snap into out,
// which must be a pointer matching the type originally passed to
// Save.
func (s *Store) LoadState(ctx context.Context, snap Snapshot, out any) error {
	raw, err := s.objects.Get(ctx, snap.CID, snapshotTypeTag)
	if err != nil {
		return fmt.Errorf("snapshot: fetching state blob: %w", err)
	}
	if err := cid.Decode(raw, out); err != nil {
		return fmt.Errorf("snapshot: decoding state: %w", err)
	}
	return nil
}

// DeleteOlderThan prunes index rows for aggregateID with sequence
// strictly below keepFromSequence. The underlying blobs are left in
// the object store: other snapshots or events may still reference the
// same content-addressed bytes.
func (s *Store) DeleteOlderThan(ctx context.Context, aggregateID string, keepFromSequence int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshot_index WHERE aggregate_id = ? AND sequence < ?
	`, aggregateID, keepFromSequence)
	if err != nil {
		return fmt.Errorf("snapshot: pruning old snapshots: %w", err)
	}
	return nil
}
