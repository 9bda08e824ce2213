package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status reports a projection's current lifecycle state.
type Status string

const (
	StatusReady      Status = "ready"
	StatusRebuilding Status = "rebuilding"
	StatusHalted     Status = "halted"
)

// State is the durable, operator-visible status of one projection.
type State struct {
	ProjectionName string
	Status         Status
	Message        string
	UpdatedAt      time.Time
}

// StatusStore persists projection lifecycle state, surfaced to
// operators independent of the checkpoint cursor.
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore wraps db; the projection_status table is created by
// the same migration as projection_checkpoint.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Save upserts name's status.
func (s *StatusStore) Save(ctx context.Context, state State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, status, message, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			status = excluded.status, message = excluded.message, updated_at = excluded.updated_at
	`, state.ProjectionName, string(state.Status), state.Message, state.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("projection: saving status: %w", err)
	}
	return nil
}

// Load returns name's status, defaulting to StatusReady if none has
// ever been recorded.
func (s *StatusStore) Load(ctx context.Context, name string) (State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, message, updated_at FROM projection_status WHERE projection_name = ?
	`, name)

	var status, message string
	var updatedAtNanos int64
	err := row.Scan(&status, &message, &updatedAtNanos)
	if errors.Is(err, sql.ErrNoRows) {
		return State{ProjectionName: name, Status: StatusReady, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("projection: loading status: %w", err)
	}

	return State{
		ProjectionName: name,
		Status:         Status(status),
		Message:        message,
		UpdatedAt:      time.Unix(0, updatedAtNanos).UTC(),
	}, nil
}
