package resilience

import (
	"sort"
	"sync"
)

// Registry tracks the service's circuit breakers for readiness reporting
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a new circuit breaker registry
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register adds a circuit breaker to the registry
func (r *Registry) Register(cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[cb.name] = cb
}

// AllStats returns stats for all registered circuit breakers ordered by name
func (r *Registry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// IsHealthy returns true if no circuit breakers are in the open state
func (r *Registry) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		if cb.State() == StateOpen {
			return false
		}
	}
	return true
}
