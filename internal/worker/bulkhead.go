package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/linkflow/engine/internal/observability"
)

// ErrBulkheadRejected means the executor's concurrency budget stayed
// saturated past the max wait.
var ErrBulkheadRejected = errors.New("bulkhead rejected")

// BulkheadConfig bounds concurrent executions per executor.
type BulkheadConfig struct {
	MaxConcurrent int64
	MaxWait       time.Duration
}

func (c *BulkheadConfig) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 32
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
}

// bulkhead is a weighted semaphore with a bounded acquire wait.
type bulkhead struct {
	sem     *semaphore.Weighted
	maxWait time.Duration
}

func (b *bulkhead) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, b.maxWait)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBulkheadRejected
	}
	return nil
}

func (b *bulkhead) release() { b.sem.Release(1) }

// bulkheadRegistry lazily creates one bulkhead per node type.
type bulkheadRegistry struct {
	mu        sync.RWMutex
	bulkheads map[string]*bulkhead
	cfg       BulkheadConfig
}

func newBulkheadRegistry(cfg BulkheadConfig) *bulkheadRegistry {
	cfg.defaults()
	return &bulkheadRegistry{
		bulkheads: make(map[string]*bulkhead),
		cfg:       cfg,
	}
}

func (r *bulkheadRegistry) get(nodeType string) *bulkhead {
	r.mu.RLock()
	b, ok := r.bulkheads[nodeType]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.bulkheads[nodeType]; ok {
		return b
	}
	b = &bulkhead{
		sem:     semaphore.NewWeighted(r.cfg.MaxConcurrent),
		maxWait: r.cfg.MaxWait,
	}
	r.bulkheads[nodeType] = b
	return b
}

// rejectBulkhead records a saturation rejection for metrics.
func rejectBulkhead() {
	observability.BulkheadRejections.Inc()
}
