// Package projection implements the projection runtime (C7): durable,
// checkpointed consumers that fold the event stream into read models,
// with exponential-backoff retry, a dead-letter parking lane, and
// replay-from-zero rebuilds.
package projection

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
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Checkpoint is a projection's durable cursor: the last broker stream
// position and CID it has fully applied. Advances monotonically.
type Checkpoint struct {
	ProjectionName string
	StreamPosition int64
	LastCID        cid.CID
	UpdatedAt      time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore opens (and by default migrates) a sqlite-backed
// CheckpointStore. db may be shared with other stores in the same
// process, matching the teacher's "same database or a separate one"
// deployment flexibility.
func NewCheckpointStore(db *sql.DB, autoMigrate bool) (*CheckpointStore, error) {
	if autoMigrate {
		migrator := migrate.New(db, "projection_schema_migrations")
		if err := migrator.LoadFromFS(migrationsFS, "migrations"); err != nil {
			return nil, fmt.Errorf("projection: loading migrations: %w", err)
		}
		if err := migrator.Up(); err != nil {
			return nil, fmt.Errorf("projection: running migrations: %w", err)
		}
	}
	return &CheckpointStore{db: db}, nil
}

// Save upserts a checkpoint in its own transaction. Projections that
// need atomicity between their read-model write and the checkpoint
// advance should use SaveInTx instead.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoint (projection_name, stream_position, last_cid, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			stream_position = excluded.stream_position,
			last_cid = excluded.last_cid,
			updated_at = excluded.updated_at
	`, cp.ProjectionName, cp.StreamPosition, cp.LastCID.Bytes(), cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("projection: saving checkpoint: %w", err)
	}
	return nil
}

// SaveInTx saves cp within an already-open transaction, so a
// projection's read-model write and its checkpoint advance commit or
// roll back together.
func (s *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, cp Checkpoint) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoint (projection_name, stream_position, last_cid, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			stream_position = excluded.stream_position,
			last_cid = excluded.last_cid,
			updated_at = excluded.updated_at
	`, cp.ProjectionName, cp.StreamPosition, cp.LastCID.Bytes(), cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("projection: saving checkpoint in transaction: %w", err)
	}
	return nil
}

// Load returns name's checkpoint, or the zero-value checkpoint (stream
// position 0, meaning "replay from origin") if none has been saved.
func (s *CheckpointStore) Load(ctx context.Context, name string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_position, last_cid, updated_at FROM projection_checkpoint WHERE projection_name = ?
	`, name)

	var position, updatedAtNanos int64
	var cidBytes []byte
	err := row.Scan(&position, &cidBytes, &updatedAtNanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{ProjectionName: name}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("projection: loading checkpoint: %w", err)
	}

	var lastCID cid.CID
	if len(cidBytes) > 0 {
		lastCID, err = cid.FromBytes(cidBytes)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("projection: decoding checkpoint cid: %w", err)
		}
	}

	return Checkpoint{
		ProjectionName: name,
		StreamPosition: position,
		LastCID:        lastCID,
		UpdatedAt:      time.Unix(0, updatedAtNanos).UTC(),
	}, nil
}

// Delete removes name's checkpoint, used when rebuilding a projection
// from stream origin.
func (s *CheckpointStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projection_checkpoint WHERE projection_name = ?`, name)
	if err != nil {
		return fmt.Errorf("projection: deleting checkpoint: %w", err)
	}
	return nil
}

// DeleteInTx deletes name's checkpoint within tx, for atomic rebuild
// resets that also clear the read model.
func (s *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projection_checkpoint WHERE projection_name = ?`, name)
	if err != nil {
		return fmt.Errorf("projection: deleting checkpoint in transaction: %w", err)
	}
	return nil
}
