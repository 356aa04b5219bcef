package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/engine/internal/observability"
	"github.com/linkflow/engine/internal/types"
)

// PostgresStore implements EventStore on the history_events table.
// shard_id is stored as a derived column so the table can be partitioned
// later; point queries go through the primary key alone.
type PostgresStore struct {
	pool       *pgxpool.Pool
	shardCount int32
}

func NewPostgresStore(pool *pgxpool.Pool, shardCount int32) *PostgresStore {
	return &PostgresStore{pool: pool, shardCount: shardCount}
}

func (s *PostgresStore) AppendEvents(ctx context.Context, key types.ExecutionKey, events []*types.HistoryEvent, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if expectedVersion >= 0 {
		var maxEventID int64
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(event_id), 0) FROM history_events
			WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
		`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&maxEventID)
		if err != nil {
			return fmt.Errorf("read max event id: %w", err)
		}
		if maxEventID != expectedVersion {
			observability.VersionedWriteConflict.WithLabelValues("history").Inc()
			return fmt.Errorf("%w: expected %d, have %d", types.ErrVersionMismatch, expectedVersion, maxEventID)
		}
	}

	shardID := key.ShardID(s.shardCount)
	for _, event := range events {
		// ON CONFLICT DO NOTHING makes a retried append idempotent per
		// (run, event_id) without aborting the batch.
		_, err := tx.Exec(ctx, `
			INSERT INTO history_events
				(shard_id, namespace_id, workflow_id, run_id, event_id, event_type, version, timestamp, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (namespace_id, workflow_id, run_id, event_id) DO NOTHING
		`, shardID, key.NamespaceID, key.WorkflowID, key.RunID,
			event.EventID, string(event.EventType), event.Version, event.Timestamp, event.Payload)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", event.EventID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	observability.VersionedWriteSuccess.WithLabelValues("history").Inc()
	for _, event := range events {
		observability.EventsAppended.WithLabelValues(string(event.EventType)).Inc()
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, version, timestamp, data
		FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
		  AND event_id >= $4 AND event_id <= $5
		ORDER BY event_id ASC
	`, key.NamespaceID, key.WorkflowID, key.RunID, firstEventID, lastEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*types.HistoryEvent{}
	for rows.Next() {
		var e types.HistoryEvent
		var eventType string
		if err := rows.Scan(&e.EventID, &eventType, &e.Version, &e.Timestamp, &e.Payload); err != nil {
			return nil, err
		}
		e.EventType = types.EventType(eventType)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (s *PostgresStore) GetLatestEventID(ctx context.Context, key types.ExecutionKey) (int64, error) {
	var maxEventID int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(event_id), 0) FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&maxEventID)
	return maxEventID, err
}

func (s *PostgresStore) DeleteEvents(ctx context.Context, key types.ExecutionKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID)
	return err
}
