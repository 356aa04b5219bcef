package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/engine/internal/types"
)

// PostgresStore implements Store on the timers table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, t *types.Timer) error {
	if t.FireTime.Before(t.CreatedAt) {
		return fmt.Errorf("fire_time %s before created_at %s", t.FireTime, t.CreatedAt)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timers
			(shard_id, namespace_id, workflow_id, run_id, timer_id, fire_time, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ShardID, t.NamespaceID, t.WorkflowID, t.RunID, t.TimerID,
		t.FireTime, string(t.Status), t.Version, t.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: timer %s", types.ErrAlreadyExists, t.TimerID)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key types.ExecutionKey, timerID string) (*types.Timer, error) {
	var t types.Timer
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT shard_id, namespace_id, workflow_id, run_id, timer_id, fire_time, status, version, created_at, fired_at
		FROM timers
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND timer_id = $4
	`, key.NamespaceID, key.WorkflowID, key.RunID, timerID).Scan(
		&t.ShardID, &t.NamespaceID, &t.WorkflowID, &t.RunID, &t.TimerID,
		&t.FireTime, &status, &t.Version, &t.CreatedAt, &t.FiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: timer %s", types.ErrNotFound, timerID)
	}
	if err != nil {
		return nil, err
	}
	t.Status = types.TimerStatus(status)
	return &t, nil
}

// Due locks due rows with FOR UPDATE SKIP LOCKED so concurrent scanners
// on the same shard never double-fetch a batch. The lock is released at
// commit; at-most-once firing is enforced by the versioned status
// transition, not by the row lock.
func (s *PostgresStore) Due(ctx context.Context, shardID int32, now time.Time, limit int) ([]*types.Timer, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT shard_id, namespace_id, workflow_id, run_id, timer_id, fire_time, status, version, created_at, fired_at
		FROM timers
		WHERE shard_id = $1 AND status = 'Pending' AND fire_time <= $2
		ORDER BY fire_time ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, shardID, now, limit)
	if err != nil {
		return nil, err
	}

	var due []*types.Timer
	for rows.Next() {
		var t types.Timer
		var status string
		if err := rows.Scan(&t.ShardID, &t.NamespaceID, &t.WorkflowID, &t.RunID, &t.TimerID,
			&t.FireTime, &status, &t.Version, &t.CreatedAt, &t.FiredAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.Status = types.TimerStatus(status)
		due = append(due, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return due, tx.Commit(ctx)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, key types.ExecutionKey, timerID string, status types.TimerStatus, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE timers
		SET status = $5, version = version + 1,
		    fired_at = CASE WHEN $5 = 'Fired' THEN NOW() ELSE fired_at END
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND timer_id = $4
		  AND version = $6 AND status = 'Pending'
	`, key.NamespaceID, key.WorkflowID, key.RunID, timerID, string(status), expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: timer %s at version %d", types.ErrOptimisticLock, timerID, expectedVersion)
	}
	return nil
}

func (s *PostgresStore) PurgeClosed(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM timers
		WHERE status IN ('Fired', 'Canceled') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
