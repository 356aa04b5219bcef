package worker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/linkflow/engine/internal/observability"
)

// BreakerConfig holds circuit breaker thresholds, applied per executor.
type BreakerConfig struct {
	FailureThreshold    uint32
	Window              time.Duration
	MinRequestsInWindow uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

func (c *BreakerConfig) defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.MinRequestsInWindow == 0 {
		c.MinRequestsInWindow = 10
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 3
	}
}

// breakerRegistry lazily creates one breaker per node type, guarded by
// a reader/writer lock with double-checked insertion.
type breakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
}

func newBreakerRegistry(cfg BreakerConfig) *breakerRegistry {
	cfg.defaults()
	return &breakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
	}
}

func (r *breakerRegistry) get(nodeType string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[nodeType]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[nodeType]; ok {
		return cb
	}

	cfg := r.cfg
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeType,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if counts.Requests < cfg.MinRequestsInWindow {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			observability.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	r.breakers[nodeType] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
