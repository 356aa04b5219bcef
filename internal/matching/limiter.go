package matching

import (
	"sync"

	"golang.org/x/time/rate"
)

// twoLevelLimiter guards the service with a global token bucket plus a
// per-namespace bucket. An operation must clear both; denial leaves no
// side effect on either bucket beyond the tokens rate.Limiter consumes.
type twoLevelLimiter struct {
	global *rate.Limiter

	mu         sync.RWMutex
	namespaces map[string]*rate.Limiter
	defaultRPS rate.Limit
	defaultB   int
}

func newTwoLevelLimiter(globalRPS float64, globalBurst int, nsRPS float64, nsBurst int) *twoLevelLimiter {
	return &twoLevelLimiter{
		global:     rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
		namespaces: make(map[string]*rate.Limiter),
		defaultRPS: rate.Limit(nsRPS),
		defaultB:   nsBurst,
	}
}

// Allow reports whether one operation for the namespace may proceed.
// Returns the scope that denied ("global" or "namespace") for metrics.
func (l *twoLevelLimiter) Allow(namespace string) (bool, string) {
	if !l.global.Allow() {
		return false, "global"
	}
	if !l.forNamespace(namespace).Allow() {
		return false, "namespace"
	}
	return true, ""
}

func (l *twoLevelLimiter) forNamespace(namespace string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.namespaces[namespace]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	// Double-checked lazy insertion.
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.namespaces[namespace]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.defaultRPS, l.defaultB)
	l.namespaces[namespace] = lim
	return lim
}

// SetNamespaceLimit installs a custom per-namespace limit at runtime.
func (l *twoLevelLimiter) SetNamespaceLimit(namespace string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.namespaces[namespace] = rate.NewLimiter(rate.Limit(rps), burst)
}

// RemoveNamespaceLimit reverts the namespace to the default limit.
func (l *twoLevelLimiter) RemoveNamespaceLimit(namespace string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.namespaces, namespace)
}
