// Package variables provides workspace-scoped key/value lookups with a
// per-namespace cache and {{name}} template interpolation.
package variables

import (
	"context"
	"sync"

	"github.com/linkflow/engine/internal/types"
)

// Store is the durable variable backend.
type Store interface {
	// Get returns a single variable or types.ErrNotFound.
	Get(ctx context.Context, namespaceID, name string) (*types.Variable, error)

	// List returns all variables in a namespace.
	List(ctx context.Context, namespaceID string) ([]*types.Variable, error)

	// Upsert creates or replaces a variable.
	Upsert(ctx context.Context, v *types.Variable) error

	// Delete removes a variable; deleting a missing one is a no-op.
	Delete(ctx context.Context, namespaceID, name string) error
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	vars map[string]map[string]*types.Variable
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vars: make(map[string]map[string]*types.Variable)}
}

func (s *MemoryStore) Get(ctx context.Context, namespaceID, name string) (*types.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.vars[namespaceID][name]; ok {
		clone := *v
		return &clone, nil
	}
	return nil, types.ErrNotFound
}

func (s *MemoryStore) List(ctx context.Context, namespaceID string) ([]*types.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Variable
	for _, v := range s.vars[namespaceID] {
		clone := *v
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, v *types.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.vars[v.NamespaceID]
	if !ok {
		ns = make(map[string]*types.Variable)
		s.vars[v.NamespaceID] = ns
	}
	clone := *v
	ns[v.Name] = &clone
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespaceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars[namespaceID], name)
	return nil
}
