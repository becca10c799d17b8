package resources

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/biomapper/biomapper/internal/metrics"
	"github.com/biomapper/biomapper/pkg/schema"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// OutcomeRecorder receives the result of every resource attempt.
// Satisfied by *capability.Registry.
type OutcomeRecorder interface {
	RecordOutcome(resource, sourceType, targetType string, success bool, latency time.Duration) error
}

// InvokerConfig configures resilience around resource calls.
type InvokerConfig struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Retry   RetryPolicy
	// RateLimit is the per-resource request rate in calls/second; 0 disables it.
	RateLimit float64
	RateBurst int
	// BreakerFailures consecutive failures open a resource's circuit for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c InvokerConfig) withDefaults() InvokerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Invoker calls resolvers with a per-attempt timeout, bounded exponential
// retry, a per-resource circuit breaker and optional rate limiting, and
// reports every attempt to the OutcomeRecorder and metrics.
type Invoker struct {
	cfg      InvokerConfig
	recorder OutcomeRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewInvoker creates an Invoker. recorder and m may be nil.
func NewInvoker(cfg InvokerConfig, recorder OutcomeRecorder, m *metrics.Metrics, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		cfg:      cfg.withDefaults(),
		recorder: recorder,
		metrics:  m,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (inv *Invoker) breaker(name string) *gobreaker.CircuitBreaker {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if cb, ok := inv.breakers[name]; ok {
		return cb
	}
	threshold := inv.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     inv.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			inv.logger.Warn("resource circuit state changed",
				slog.String("resource", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	inv.breakers[name] = cb
	return cb
}

func (inv *Invoker) limiter(name string) *rate.Limiter {
	if inv.cfg.RateLimit <= 0 {
		return nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if l, ok := inv.limiters[name]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(inv.cfg.RateLimit), inv.cfg.RateBurst)
	inv.limiters[name] = l
	return l
}

// Invoke resolves one identifier through r. Failures come back as typed
// errors: TIMEOUT_ERROR and RESOURCE_ERROR are retried; after the last
// attempt the error is RETRY_EXHAUSTED; an open circuit is CIRCUIT_OPEN.
func (inv *Invoker) Invoke(ctx context.Context, r Resolver, id, sourceType, targetType string) ([]Mapping, error) {
	name := r.Name()
	cb := inv.breaker(name)
	lim := inv.limiter(name)
	policy := inv.cfg.Retry

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(policy, attempt-1)
			inv.logger.DebugContext(ctx, "retrying resource",
				slog.String("resource", name),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.String("error", lastErr.Error()))
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, cancelled(name, err)
			}
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil, cancelled(name, err)
			}
		}

		start := time.Now()
		out, err := cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
			defer cancel()
			res, err := r.Resolve(callCtx, id, sourceType, targetType)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = schema.NewErrorf(schema.ErrCodeTimeout, "resource %q timed out after %s", name, inv.cfg.Timeout).WithCause(err)
			}
			return res, err
		})
		latency := time.Since(start)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			inv.metrics.ObserveResourceCall(name, "circuit_open", 0)
			return nil, schema.NewErrorf(schema.ErrCodeCircuitOpen, "resource %q circuit is open", name).WithCause(err)
		}

		inv.record(name, sourceType, targetType, err == nil, latency)

		if err == nil {
			mappings, _ := out.([]Mapping)
			return normalize(mappings), nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, cancelled(name, ctx.Err())
		}
		if !IsRetryableError(err) {
			var e *schema.Error
			if errors.As(err, &e) {
				return nil, err
			}
			return nil, schema.NewErrorf(schema.ErrCodeResource, "resource %q: %v", name, err).WithCause(err)
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted, "resource %q failed after %d attempts: %v",
		name, policy.MaxAttempts, lastErr).
		WithCause(lastErr).
		WithDetails(map[string]any{"resource": name, "attempts": policy.MaxAttempts})
}

func (inv *Invoker) record(name, sourceType, targetType string, success bool, latency time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	inv.metrics.ObserveResourceCall(name, outcome, latency)
	if inv.recorder == nil {
		return
	}
	if err := inv.recorder.RecordOutcome(name, sourceType, targetType, success, latency); err != nil {
		inv.logger.Debug("outcome not recorded", slog.String("resource", name), slog.String("error", err.Error()))
	}
}

func cancelled(name string, err error) error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "resource %q: %v", name, err).WithCause(err)
}
