package eventstore

import (
	"context"
	"fmt"
)

// ReconcileOnStartup scans the event index for rows whose payload
// blob is missing from the object store. Append always puts the
// payload before committing the index row in the same call, so this
// can only happen if a prior process crashed between those two steps
// on a storage backend that does not share Append's atomicity (for
// example, a remote object store visible to other processes before
// this one's transaction commits). Any row found this way is
// discarded: a half-appended event must never be visible to loaders.
func (s *Store) ReconcileOnStartup(ctx context.Context) (discarded int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rowid, aggregate_id, cid FROM event_index ORDER BY rowid ASC`)
	if err != nil {
		return 0, fmt.Errorf("eventstore: scanning event index for reconciliation: %w", err)
	}
	defer rows.Close()

	type row struct {
		rowid       int64
		aggregateID string
		cidBytes    []byte
	}
	var toCheck []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.rowid, &r.aggregateID, &r.cidBytes); err != nil {
			return 0, fmt.Errorf("eventstore: scanning event index row: %w", err)
		}
		toCheck = append(toCheck, r)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("eventstore: iterating event index rows: %w", err)
	}

	for _, r := range toCheck {
		c := mustCID(r.cidBytes)
		present, err := s.objects.Has(ctx, c, eventTypeTag)
		if err != nil {
			return discarded, fmt.Errorf("%w: %v", ErrObjectStoreUnavailable, err)
		}
		if present {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM event_index WHERE rowid = ?`, r.rowid); err != nil {
			return discarded, fmt.Errorf("eventstore: discarding orphaned index row %d: %w", r.rowid, err)
		}
		discarded++
	}

	return discarded, nil
}
