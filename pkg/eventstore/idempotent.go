package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendIdempotent is Append with command-level idempotency: if
// commandID was already processed within its TTL, the prior result is
// returned without re-appending, complementing the CID-level dedup
// Append already performs on individual events.
func (s *Store) AppendIdempotent(ctx context.Context, aggregateID string, events []DomainEvent, expectedVersion int64, commandID string, ttl time.Duration) (AppendResult, bool, error) {
	if commandID == "" {
		return AppendResult{}, false, fmt.Errorf("eventstore: commandID must not be empty")
	}

	if cached, ok, err := s.commandResult(ctx, aggregateID, commandID); err != nil {
		return AppendResult{}, false, err
	} else if ok {
		return cached, true, nil
	}

	result, err := s.Append(ctx, aggregateID, events, expectedVersion)
	if err != nil {
		return AppendResult{}, false, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processed_commands (command_id, aggregate_id, final_version, processed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (command_id) DO NOTHING
	`, commandID, aggregateID, result.FinalVersion, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return AppendResult{}, false, fmt.Errorf("eventstore: recording processed command: %w", err)
	}

	return result, false, nil
}

func (s *Store) commandResult(ctx context.Context, aggregateID, commandID string) (AppendResult, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT final_version, expires_at FROM processed_commands WHERE command_id = ?
	`, commandID)

	var finalVersion, expiresAt int64
	err := row.Scan(&finalVersion, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, false, nil
	}
	if err != nil {
		return AppendResult{}, false, fmt.Errorf("eventstore: checking processed command: %w", err)
	}
	if time.Now().UTC().UnixNano() > expiresAt {
		return AppendResult{}, false, nil
	}

	events, err := s.Load(ctx, aggregateID, 1, finalVersion)
	if err != nil {
		return AppendResult{}, false, err
	}
	return AppendResult{Events: events, FinalVersion: finalVersion}, true, nil
}
