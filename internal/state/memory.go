package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkflow/engine/internal/codec"
	"github.com/linkflow/engine/internal/types"
)

// MemoryStore implements Store in memory. Snapshots round-trip through
// the codec so serialization behavior matches the durable store,
// including empty-map normalization.
type MemoryStore struct {
	mu    sync.RWMutex
	codec codec.Serializer
	rows  map[types.ExecutionKey]memoryRow
}

type memoryRow struct {
	blob      []byte
	checksum  string
	dbVersion int64
	status    types.WorkflowStatus
}

func NewMemoryStore(ser codec.Serializer) *MemoryStore {
	return &MemoryStore{codec: ser, rows: make(map[types.ExecutionKey]memoryRow)}
}

func (s *MemoryStore) Get(ctx context.Context, key types.ExecutionKey) (*MutableState, error) {
	s.mu.RLock()
	row, ok := s.rows[key]
	s.mu.RUnlock()
	if !ok {
		return nil, types.ErrExecutionNotFound
	}

	var st MutableState
	if err := s.codec.Decode(row.blob, &st); err != nil {
		return nil, fmt.Errorf("decode mutable state: %w", err)
	}
	st.Normalize()
	return &st, nil
}

func (s *MemoryStore) Update(ctx context.Context, key types.ExecutionKey, st *MutableState, expectedVersion int64) error {
	st.DBVersion = expectedVersion + 1
	blob, err := s.codec.Encode(st)
	if err != nil {
		return fmt.Errorf("encode mutable state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		if expectedVersion != 0 {
			return fmt.Errorf("%w: mutable state %s at version %d", types.ErrOptimisticLock, key, expectedVersion)
		}
	} else if row.dbVersion != expectedVersion {
		return fmt.Errorf("%w: mutable state %s at version %d", types.ErrOptimisticLock, key, expectedVersion)
	}

	s.rows[key] = memoryRow{
		blob:      blob,
		checksum:  Checksum(blob),
		dbVersion: st.DBVersion,
		status:    st.Status,
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key types.ExecutionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *MemoryStore) ListRunning(ctx context.Context) ([]types.ExecutionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []types.ExecutionKey
	for key, row := range s.rows {
		if row.status.Open() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
