package matching

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/engine/internal/types"
)

// PostgresTaskStore implements TaskStore on the matching_tasks table.
type PostgresTaskStore struct {
	pool *pgxpool.Pool
}

func NewPostgresTaskStore(pool *pgxpool.Pool) *PostgresTaskStore {
	return &PostgresTaskStore{pool: pool}
}

func (s *PostgresTaskStore) Insert(ctx context.Context, task *types.Task) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO matching_tasks
			(task_id, namespace_id, task_queue, workflow_id, run_id, node_id, node_type,
			 task_type, priority, payload, scheduled_event_id, scheduled_at, visible_at,
			 attempts, max_attempts, timeout_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (task_id) DO NOTHING
	`, task.TaskID, task.Namespace, task.TaskQueue,
		task.Execution.WorkflowID, task.Execution.RunID, task.NodeID, task.NodeType,
		string(task.TaskType), task.Priority, task.Payload, task.ScheduledEventID,
		task.ScheduledAt, task.VisibleAt, task.Attempts, task.MaxAttempts,
		task.Timeout.Milliseconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresTaskStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM matching_tasks WHERE task_id = $1`, taskID)
	return err
}

func (s *PostgresTaskStore) SaveLease(ctx context.Context, taskID, token string, expiry time.Time, attempts int32) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE matching_tasks
		SET lease_token = $2, lease_expiry = $3, attempts = $4
		WHERE task_id = $1
	`, taskID, token, expiry, attempts)
	return err
}

func (s *PostgresTaskStore) ClearLease(ctx context.Context, taskID string, visibleAt time.Time, attempts int32) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE matching_tasks
		SET lease_token = NULL, lease_expiry = NULL, visible_at = $2, attempts = $3
		WHERE task_id = $1
	`, taskID, visibleAt, attempts)
	return err
}

func (s *PostgresTaskStore) ListPollable(ctx context.Context, now time.Time) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, namespace_id, task_queue, workflow_id, run_id, node_id, node_type,
		       task_type, priority, payload, scheduled_event_id, scheduled_at, visible_at,
		       attempts, max_attempts, timeout_ms
		FROM matching_tasks
		WHERE lease_token IS NULL OR lease_expiry <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var t types.Task
		var taskType string
		var timeoutMS int64
		if err := rows.Scan(&t.TaskID, &t.Namespace, &t.TaskQueue,
			&t.Execution.WorkflowID, &t.Execution.RunID, &t.NodeID, &t.NodeType,
			&taskType, &t.Priority, &t.Payload, &t.ScheduledEventID,
			&t.ScheduledAt, &t.VisibleAt, &t.Attempts, &t.MaxAttempts, &timeoutMS); err != nil {
			return nil, err
		}
		t.Execution.NamespaceID = t.Namespace
		t.TaskType = types.TaskType(taskType)
		t.Timeout = time.Duration(timeoutMS) * time.Millisecond
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
