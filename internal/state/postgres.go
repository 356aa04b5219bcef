package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/codec"
	"github.com/linkflow/engine/internal/observability"
	"github.com/linkflow/engine/internal/types"
)

// PostgresStore implements Store on the mutable_state table. The state
// blob is opaque to the store; next_event_id and db_version are mirrored
// into columns for indexing and the optimistic lock.
type PostgresStore struct {
	pool           *pgxpool.Pool
	codec          codec.Serializer
	shardCount     int32
	strictChecksum bool
	logger         *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, ser codec.Serializer, shardCount int32, strictChecksum bool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:           pool,
		codec:          ser,
		shardCount:     shardCount,
		strictChecksum: strictChecksum,
		logger:         logger,
	}
}

func (s *PostgresStore) Get(ctx context.Context, key types.ExecutionKey) (*MutableState, error) {
	var blob []byte
	var checksum string
	err := s.pool.QueryRow(ctx, `
		SELECT state, checksum FROM mutable_state
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID).Scan(&blob, &checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}

	if checksum != "" && checksum != Checksum(blob) {
		observability.ChecksumMismatch.Inc()
		if s.strictChecksum {
			return nil, fmt.Errorf("mutable state checksum mismatch for %s", key)
		}
		s.logger.Warn("mutable state checksum mismatch",
			zap.String("execution", key.String()))
	}

	var st MutableState
	if err := s.codec.Decode(blob, &st); err != nil {
		return nil, fmt.Errorf("decode mutable state: %w", err)
	}
	st.Normalize()
	return &st, nil
}

func (s *PostgresStore) Update(ctx context.Context, key types.ExecutionKey, st *MutableState, expectedVersion int64) error {
	st.DBVersion = expectedVersion + 1
	blob, err := s.codec.Encode(st)
	if err != nil {
		return fmt.Errorf("encode mutable state: %w", err)
	}
	sum := Checksum(blob)

	tag, err := s.pool.Exec(ctx, `
		UPDATE mutable_state
		SET state = $4, next_event_id = $5, db_version = $6, checksum = $7, status = $8
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND db_version = $9
	`, key.NamespaceID, key.WorkflowID, key.RunID,
		blob, st.NextEventID, st.DBVersion, sum, string(st.Status), expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		observability.VersionedWriteSuccess.WithLabelValues("mutable_state").Inc()
		return nil
	}

	if expectedVersion != 0 {
		observability.VersionedWriteConflict.WithLabelValues("mutable_state").Inc()
		return fmt.Errorf("%w: mutable state %s at version %d", types.ErrOptimisticLock, key, expectedVersion)
	}

	// First write for this run.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mutable_state
			(shard_id, namespace_id, workflow_id, run_id, state, next_event_id, db_version, checksum, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.ShardID(s.shardCount), key.NamespaceID, key.WorkflowID, key.RunID,
		blob, st.NextEventID, st.DBVersion, sum, string(st.Status))
	if err != nil {
		observability.VersionedWriteConflict.WithLabelValues("mutable_state").Inc()
		return fmt.Errorf("%w: concurrent create of %s", types.ErrOptimisticLock, key)
	}
	observability.VersionedWriteSuccess.WithLabelValues("mutable_state").Inc()
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key types.ExecutionKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM mutable_state
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
	`, key.NamespaceID, key.WorkflowID, key.RunID)
	return err
}

func (s *PostgresStore) ListRunning(ctx context.Context) ([]types.ExecutionKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace_id, workflow_id, run_id FROM mutable_state
		WHERE status IN ('Pending', 'Running', 'Waiting')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []types.ExecutionKey
	for rows.Next() {
		var k types.ExecutionKey
		if err := rows.Scan(&k.NamespaceID, &k.WorkflowID, &k.RunID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
