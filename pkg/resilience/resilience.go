package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"peercall/pkg/logger"
)

// BreakerState represents the state of the circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

// Breaker wraps an outbound dependency with retry and a circuit breaker.
// Push gateways are the main user: a dead APNs or FCM endpoint should not
// be hammered on every call event.
type Breaker struct {
	name string

	mu                  sync.RWMutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int

	maxAttempts    int
	attemptTimeout time.Duration
	backoff        time.Duration
	failureLimit   int
	cooldown       time.Duration

	metrics *breakerMetrics
}

type breakerMetrics struct {
	requestsTotal *prometheus.CounterVec
	state         *prometheus.GaugeVec
}

var (
	breakerMetricsInstance *breakerMetrics
	breakerMetricsOnce     sync.Once
)

func breakerMetricsShared() *breakerMetrics {
	breakerMetricsOnce.Do(func() {
		breakerMetricsInstance = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "outbound_requests_total",
					Help: "Total outbound requests routed through a circuit breaker",
				},
				[]string{"breaker", "status"},
			),
			state: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "outbound_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
				},
				[]string{"breaker"},
			),
		}
		prometheus.MustRegister(breakerMetricsInstance.requestsTotal)
		prometheus.MustRegister(breakerMetricsInstance.state)
	})
	return breakerMetricsInstance
}

// NewBreaker creates a circuit breaker with defaults tuned for push
// delivery: two quick attempts, short backoff, open after three
// consecutive failures, ten second cooldown.
func NewBreaker(name string) *Breaker {
	return &Breaker{
		name:           name,
		state:          BreakerClosed,
		maxAttempts:    2,
		attemptTimeout: 10 * time.Second,
		backoff:        200 * time.Millisecond,
		failureLimit:   3,
		cooldown:       10 * time.Second,
		metrics:        breakerMetricsShared(),
	}
}

// Execute runs fn with retry and circuit breaking. When the circuit is
// open the call is rejected immediately.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if state := b.currentState(); state == BreakerOpen {
		b.metrics.requestsTotal.WithLabelValues(b.name, "circuit_open").Inc()
		logger.Warn("Circuit breaker open, request rejected",
			zap.String("breaker", b.name),
			zap.String("operation", operation))
		return fmt.Errorf("%s temporarily unavailable (circuit breaker open)", b.name)
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.backoff):
			}
			logger.Warn("Retrying operation",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, b.attemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			b.recordSuccess()
			b.metrics.requestsTotal.WithLabelValues(b.name, "success").Inc()
			return nil
		}
		lastErr = err
	}

	b.recordFailure(operation)
	b.metrics.requestsTotal.WithLabelValues(b.name, "failure").Inc()
	return fmt.Errorf("%s: %s failed after %d attempts: %w", b.name, operation, b.maxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Transition open to half-open once the cooldown has elapsed
	if b.state == BreakerOpen && time.Since(b.lastFailureTime) > b.cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenAttempts = 0
		b.metrics.state.WithLabelValues(b.name).Set(1)
		logger.Info("Circuit breaker half-open",
			zap.String("breaker", b.name))
	}
	if b.state == BreakerHalfOpen {
		b.halfOpenAttempts++
	}
	return b.state
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		logger.Info("Circuit breaker closed",
			zap.String("breaker", b.name))
	}
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.metrics.state.WithLabelValues(b.name).Set(0)
}

func (b *Breaker) recordFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	// A half-open probe that fails reopens the circuit immediately
	if b.state == BreakerHalfOpen || b.consecutiveFailures >= b.failureLimit {
		if b.state != BreakerOpen {
			logger.Error("Circuit breaker open",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.state = BreakerOpen
		b.metrics.state.WithLabelValues(b.name).Set(2)
	}
}
