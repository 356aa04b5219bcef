package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/linkflow/engine/internal/types"
)

// Store persists MutableState snapshots with optimistic versioning.
type Store interface {
	// Get returns the snapshot or types.ErrExecutionNotFound. Nil
	// collection fields are normalized to empty containers.
	Get(ctx context.Context, key types.ExecutionKey) (*MutableState, error)

	// Update writes the snapshot at db_version == expectedVersion and
	// bumps it to expected+1. When no row matched and expectedVersion is
	// 0 an insert is attempted; otherwise types.ErrOptimisticLock.
	Update(ctx context.Context, key types.ExecutionKey, st *MutableState, expectedVersion int64) error

	// Delete removes the snapshot. Retention only.
	Delete(ctx context.Context, key types.ExecutionKey) error

	// ListRunning returns keys of all non-terminal executions, used by
	// crash recovery and the execution-timeout sweeper.
	ListRunning(ctx context.Context) ([]types.ExecutionKey, error)
}

// Checksum is the integrity hash stored beside the serialized blob.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
