package visibility

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/engine/internal/types"
)

const defaultPageSize = 50

// PostgresStore implements Store on the executions_visibility table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) RecordStarted(ctx context.Context, rec *types.VisibilityRecord) error {
	memo, err := json.Marshal(rec.Memo)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions_visibility
			(namespace_id, workflow_id, run_id, workflow_type, start_time, status, memo)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (namespace_id, run_id)
		DO UPDATE SET workflow_type = EXCLUDED.workflow_type,
		              start_time = EXCLUDED.start_time,
		              status = EXCLUDED.status,
		              memo = EXCLUDED.memo
	`, rec.NamespaceID, rec.WorkflowID, rec.RunID, rec.WorkflowType,
		rec.StartTime, string(rec.Status), memo)
	return err
}

func (s *PostgresStore) RecordClosed(ctx context.Context, rec *types.VisibilityRecord) error {
	memo, err := json.Marshal(rec.Memo)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions_visibility
			(namespace_id, workflow_id, run_id, workflow_type, start_time, close_time,
			 status, history_length, memo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (namespace_id, run_id)
		DO UPDATE SET close_time = EXCLUDED.close_time,
		              status = EXCLUDED.status,
		              history_length = EXCLUDED.history_length,
		              memo = EXCLUDED.memo
	`, rec.NamespaceID, rec.WorkflowID, rec.RunID, rec.WorkflowType,
		rec.StartTime, rec.CloseTime, string(rec.Status), rec.HistoryLength, memo)
	return err
}

func (s *PostgresStore) ListOpen(ctx context.Context, namespaceID string, pageSize int, pageToken string) ([]*types.VisibilityRecord, string, error) {
	return s.list(ctx, namespaceID, pageSize, pageToken, false)
}

func (s *PostgresStore) ListClosed(ctx context.Context, namespaceID string, pageSize int, pageToken string) ([]*types.VisibilityRecord, string, error) {
	return s.list(ctx, namespaceID, pageSize, pageToken, true)
}

func (s *PostgresStore) list(ctx context.Context, namespaceID string, pageSize int, pageToken string, closed bool) ([]*types.VisibilityRecord, string, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	sortCol := "start_time"
	closeCond := "close_time IS NULL"
	if closed {
		sortCol = "close_time"
		closeCond = "close_time IS NOT NULL"
	}

	args := []any{namespaceID, pageSize + 1}
	keyset := ""
	if pageToken != "" {
		key, err := decodePageToken(pageToken)
		if err != nil {
			return nil, "", err
		}
		keyset = `AND (` + sortCol + `, run_id) < ($3, $4)`
		args = append(args, key.t, key.runID)
	}

	// Fetch one extra row to decide whether another page exists.
	rows, err := s.pool.Query(ctx, `
		SELECT namespace_id, workflow_id, run_id, workflow_type, start_time, close_time,
		       status, history_length, memo
		FROM executions_visibility
		WHERE namespace_id = $1 AND `+closeCond+` `+keyset+`
		ORDER BY `+sortCol+` DESC, run_id DESC
		LIMIT $2
	`, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, "", err
	}

	nextToken := ""
	if len(records) > pageSize {
		records = records[:pageSize]
		last := records[len(records)-1]
		sortTime := last.StartTime
		if closed && last.CloseTime != nil {
			sortTime = *last.CloseTime
		}
		nextToken = encodePageToken(sortTime, last.RunID)
	}
	return records, nextToken, nil
}

func (s *PostgresStore) GetCurrentRun(ctx context.Context, namespaceID, workflowID string) (*types.VisibilityRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace_id, workflow_id, run_id, workflow_type, start_time, close_time,
		       status, history_length, memo
		FROM executions_visibility
		WHERE namespace_id = $1 AND workflow_id = $2
		ORDER BY (close_time IS NULL) DESC, start_time DESC, run_id DESC
		LIMIT 1
	`, namespaceID, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, types.ErrExecutionNotFound
	}
	return records[0], nil
}

func (s *PostgresStore) Delete(ctx context.Context, namespaceID, runID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM executions_visibility WHERE namespace_id = $1 AND run_id = $2
	`, namespaceID, runID)
	return err
}

func scanRecords(rows pgx.Rows) ([]*types.VisibilityRecord, error) {
	var records []*types.VisibilityRecord
	for rows.Next() {
		var rec types.VisibilityRecord
		var status string
		var closeTime *time.Time
		var memo []byte
		if err := rows.Scan(&rec.NamespaceID, &rec.WorkflowID, &rec.RunID, &rec.WorkflowType,
			&rec.StartTime, &closeTime, &status, &rec.HistoryLength, &memo); err != nil {
			return nil, err
		}
		rec.Status = types.WorkflowStatus(status)
		rec.CloseTime = closeTime
		if len(memo) > 0 {
			if err := json.Unmarshal(memo, &rec.Memo); err != nil {
				return nil, err
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
