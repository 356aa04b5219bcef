package variables

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/engine/internal/types"
)

// PostgresStore implements Store on the variables table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, namespaceID, name string) (*types.Variable, error) {
	var v types.Variable
	err := s.pool.QueryRow(ctx, `
		SELECT namespace_id, name, value, is_secret
		FROM variables
		WHERE namespace_id = $1 AND name = $2
	`, namespaceID, name).Scan(&v.NamespaceID, &v.Name, &v.Value, &v.IsSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) List(ctx context.Context, namespaceID string) ([]*types.Variable, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT namespace_id, name, value, is_secret
		FROM variables
		WHERE namespace_id = $1
		ORDER BY name
	`, namespaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Variable
	for rows.Next() {
		var v types.Variable
		if err := rows.Scan(&v.NamespaceID, &v.Name, &v.Value, &v.IsSecret); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, v *types.Variable) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO variables (namespace_id, name, value, is_secret)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace_id, name)
		DO UPDATE SET value = EXCLUDED.value, is_secret = EXCLUDED.is_secret
	`, v.NamespaceID, v.Name, v.Value, v.IsSecret)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, namespaceID, name string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM variables WHERE namespace_id = $1 AND name = $2
	`, namespaceID, name)
	return err
}
