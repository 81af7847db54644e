// Package resilience protects calls to external reputation providers.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

var (
	cbStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antifraud",
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	cbRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antifraud",
			Name:      "circuit_breaker_requests_total",
			Help:      "Total requests through circuit breaker",
		},
		[]string{"name", "result"},
	)
)

func stateToFloat(s CircuitState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	Name         string
	Threshold    int           // consecutive failures before opening
	ResetTimeout time.Duration // how long to stay open before probing
	Logger       *zap.Logger
	Now          func() time.Time
}

// CircuitBreakerStats holds stats for readiness reporting
type CircuitBreakerStats struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	Threshold   int          `json:"threshold"`
	LastFailure *time.Time   `json:"last_failure,omitempty"`
}

// CircuitBreaker opens after Threshold consecutive failures and lets a single
// trial call through once ResetTimeout has elapsed
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	state        CircuitState
	probing      bool
	logger       *zap.Logger
	now          func() time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker with the given configuration
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cbStateGauge.WithLabelValues(cfg.Name).Set(0)
	return &CircuitBreaker{
		name:         cfg.Name,
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn through the circuit breaker. While open it fails fast with
// an error wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		cbRequestsTotal.WithLabelValues(cb.name, "rejected").Inc()
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return fmt.Errorf("%s: %w until %s", cb.name, ErrCircuitOpen,
				cb.lastFailure.Add(cb.resetTimeout).Format(time.RFC3339))
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return fmt.Errorf("%s: %w while a trial call is in flight", cb.name, ErrCircuitOpen)
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		cb.logger.Warn("Circuit breaker recorded failure",
			zap.String("name", cb.name),
			zap.Int("failures", cb.failures),
			zap.Int("threshold", cb.threshold),
			zap.Error(err))

		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			if cb.state != StateOpen {
				cb.logger.Error("Circuit breaker opened",
					zap.String("name", cb.name),
					zap.Duration("reset_timeout", cb.resetTimeout))
			}
			cb.transition(StateOpen)
		}
		cbRequestsTotal.WithLabelValues(cb.name, "failure").Inc()
		return
	}

	if cb.state == StateHalfOpen {
		cb.logger.Info("Circuit breaker recovered", zap.String("name", cb.name))
	}
	cb.failures = 0
	cb.transition(StateClosed)
	cbRequestsTotal.WithLabelValues(cb.name, "success").Inc()
}

// transition must be called with the lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	cbStateGauge.WithLabelValues(cb.name).Set(stateToFloat(to))
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.lastFailure = time.Time{}
	cb.transition(StateClosed)
}

// Stats returns current stats for readiness reporting
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	stats := CircuitBreakerStats{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		Threshold: cb.threshold,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		stats.LastFailure = &t
	}
	return stats
}
