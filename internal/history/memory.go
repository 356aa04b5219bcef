package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkflow/engine/internal/types"
)

// MemoryStore is the in-memory EventStore used for tests and local DAG
// execution. Same contract as PostgresStore, including idempotent
// duplicate appends.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[types.ExecutionKey][]*types.HistoryEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[types.ExecutionKey][]*types.HistoryEvent)}
}

func (s *MemoryStore) AppendEvents(ctx context.Context, key types.ExecutionKey, events []*types.HistoryEvent, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.runs[key]
	var maxEventID int64
	seen := make(map[int64]bool, len(existing))
	for _, e := range existing {
		seen[e.EventID] = true
		if e.EventID > maxEventID {
			maxEventID = e.EventID
		}
	}

	if expectedVersion >= 0 && maxEventID != expectedVersion {
		return fmt.Errorf("%w: expected %d, have %d", types.ErrVersionMismatch, expectedVersion, maxEventID)
	}

	for _, event := range events {
		if seen[event.EventID] {
			continue // idempotent replay
		}
		clone := *event
		existing = append(existing, &clone)
		seen[event.EventID] = true
	}
	s.runs[key] = existing
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := []*types.HistoryEvent{}
	for _, e := range s.runs[key] {
		if e.EventID >= firstEventID && e.EventID <= lastEventID {
			clone := *e
			events = append(events, &clone)
		}
	}
	sortEvents(events)
	return events, nil
}

func (s *MemoryStore) GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.runs[key])), nil
}

func (s *MemoryStore) GetLatestEventID(ctx context.Context, key types.ExecutionKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxEventID int64
	for _, e := range s.runs[key] {
		if e.EventID > maxEventID {
			maxEventID = e.EventID
		}
	}
	return maxEventID, nil
}

func (s *MemoryStore) DeleteEvents(ctx context.Context, key types.ExecutionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, key)
	return nil
}

func sortEvents(events []*types.HistoryEvent) {
	// Insertion sort; histories are appended mostly in order already.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].EventID > events[j].EventID; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}
