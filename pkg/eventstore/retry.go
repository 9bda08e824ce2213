package eventstore

import (
	"context"
	"errors"
	"time"
)

// RetryOnConflict calls fn with a freshly loaded expected_version on
// each attempt, retrying with brief backoff (10ms, 20ms, 40ms, ...)
// whenever fn's attempt fails with an ErrConcurrencyConflict. Any
// other error, or exhausting maxRetries, is returned as-is.
func (s *Store) RetryOnConflict(ctx context.Context, aggregateID string, maxRetries int, fn func(expectedVersion int64) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		expected, err := s.LatestVersion(ctx, aggregateID)
		if err != nil {
			if errors.Is(err, ErrAggregateNotFound) {
				expected = 0
			} else {
				return err
			}
		}

		if err := fn(expected); err == nil {
			return nil
		} else if !isConcurrencyConflict(err) || attempt == maxRetries {
			return err
		}

		backoff := time.Duration(10*(1<<uint(attempt))) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isConcurrencyConflict(err error) bool {
	var conflict *ErrConcurrencyConflict
	return errors.As(err, &conflict)
}
