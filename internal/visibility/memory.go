package visibility

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// MemoryStore implements Store in memory with the same keyset paging
// semantics as the postgres variant.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*types.VisibilityRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]*types.VisibilityRecord)}
}

func (s *MemoryStore) RecordStarted(ctx context.Context, rec *types.VisibilityRecord) error {
	return s.upsert(rec)
}

func (s *MemoryStore) RecordClosed(ctx context.Context, rec *types.VisibilityRecord) error {
	return s.upsert(rec)
}

func (s *MemoryStore) upsert(rec *types.VisibilityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.records[rec.NamespaceID]
	if !ok {
		ns = make(map[string]*types.VisibilityRecord)
		s.records[rec.NamespaceID] = ns
	}
	clone := *rec
	ns[rec.RunID] = &clone
	return nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, namespaceID string, pageSize int, pageToken string) ([]*types.VisibilityRecord, string, error) {
	return s.list(namespaceID, pageSize, pageToken, false)
}

func (s *MemoryStore) ListClosed(ctx context.Context, namespaceID string, pageSize int, pageToken string) ([]*types.VisibilityRecord, string, error) {
	return s.list(namespaceID, pageSize, pageToken, true)
}

func (s *MemoryStore) list(namespaceID string, pageSize int, pageToken string, closed bool) ([]*types.VisibilityRecord, string, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	sortTime := func(rec *types.VisibilityRecord) time.Time {
		if closed && rec.CloseTime != nil {
			return *rec.CloseTime
		}
		return rec.StartTime
	}

	s.mu.RLock()
	var matched []*types.VisibilityRecord
	for _, rec := range s.records[namespaceID] {
		if closed != (rec.CloseTime != nil) {
			continue
		}
		clone := *rec
		matched = append(matched, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ti, tj := sortTime(matched[i]), sortTime(matched[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matched[i].RunID > matched[j].RunID
	})

	if pageToken != "" {
		key, err := decodePageToken(pageToken)
		if err != nil {
			return nil, "", err
		}
		idx := sort.Search(len(matched), func(i int) bool {
			ti := sortTime(matched[i])
			if !ti.Equal(key.t) {
				return ti.Before(key.t)
			}
			return matched[i].RunID < key.runID
		})
		matched = matched[idx:]
	}

	nextToken := ""
	if len(matched) > pageSize {
		matched = matched[:pageSize]
		last := matched[len(matched)-1]
		nextToken = encodePageToken(sortTime(last), last.RunID)
	}
	return matched, nextToken, nil
}

func (s *MemoryStore) GetCurrentRun(ctx context.Context, namespaceID, workflowID string) (*types.VisibilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *types.VisibilityRecord
	better := func(a, b *types.VisibilityRecord) bool {
		aOpen, bOpen := a.CloseTime == nil, b.CloseTime == nil
		if aOpen != bOpen {
			return aOpen
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.RunID > b.RunID
	}
	for _, rec := range s.records[namespaceID] {
		if rec.WorkflowID != workflowID {
			continue
		}
		if best == nil || better(rec, best) {
			clone := *rec
			best = &clone
		}
	}
	if best == nil {
		return nil, types.ErrExecutionNotFound
	}
	return best, nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespaceID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[namespaceID], runID)
	return nil
}
