package variables

import (
	"context"
	"strings"
	"sync"

	"github.com/linkflow/engine/internal/types"
)

// Resolver layers a per-namespace read cache over a Store and performs
// {{name}} template interpolation. The control plane calls
// InvalidateCache after writes.
type Resolver struct {
	store Store

	mu    sync.RWMutex
	cache map[string]map[string]string
	// last is a single-entry cache for repeated Resolve calls on a
	// namespace that has not been bulk-loaded yet.
	last *lastResolved
}

type lastResolved struct {
	namespaceID string
	name        string
	value       string
}

func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		cache: make(map[string]map[string]string),
	}
}

// Resolve returns the value of one variable or types.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, namespaceID, name string) (string, error) {
	r.mu.RLock()
	if ns, ok := r.cache[namespaceID]; ok {
		value, found := ns[name]
		r.mu.RUnlock()
		if found {
			return value, nil
		}
		// Cached namespace is authoritative: a miss is a miss.
		return "", types.ErrNotFound
	}
	if last := r.last; last != nil && last.namespaceID == namespaceID && last.name == name {
		r.mu.RUnlock()
		return last.value, nil
	}
	r.mu.RUnlock()

	v, err := r.store.Get(ctx, namespaceID, name)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.last = &lastResolved{namespaceID: namespaceID, name: name, value: v.Value}
	r.mu.Unlock()
	return v.Value, nil
}

// ResolveAll returns every variable in the namespace as a defensive copy.
func (r *Resolver) ResolveAll(ctx context.Context, namespaceID string) (map[string]string, error) {
	r.mu.RLock()
	ns, ok := r.cache[namespaceID]
	r.mu.RUnlock()

	if !ok {
		vars, err := r.store.List(ctx, namespaceID)
		if err != nil {
			return nil, err
		}
		ns = make(map[string]string, len(vars))
		for _, v := range vars {
			ns[v.Name] = v.Value
		}
		r.mu.Lock()
		r.cache[namespaceID] = ns
		r.mu.Unlock()
	}

	out := make(map[string]string, len(ns))
	for k, v := range ns {
		out[k] = v
	}
	return out, nil
}

// Interpolate replaces literal {{name}} occurrences in the template.
// No nesting, no expressions. Placeholders naming unknown variables are
// left intact.
func (r *Resolver) Interpolate(ctx context.Context, namespaceID, template string) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}
	vars, err := r.ResolveAll(ctx, namespaceID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		close := strings.Index(rest[open:], "}}")
		if close < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		close += open

		b.WriteString(rest[:open])
		name := rest[open+2 : close]
		if value, ok := vars[name]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(rest[open : close+2])
		}
		rest = rest[close+2:]
	}
}

// InvalidateCache drops the cached namespace so the next read refetches.
func (r *Resolver) InvalidateCache(namespaceID string) {
	r.mu.Lock()
	delete(r.cache, namespaceID)
	if r.last != nil && r.last.namespaceID == namespaceID {
		r.last = nil
	}
	r.mu.Unlock()
}
