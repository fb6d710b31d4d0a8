package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages per-agent circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given agent, creating it on first use.
func (r *BreakerRegistry) Get(agent string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agent]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				slog.String("agent", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not an agent failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[agent] = cb
	return cb
}

// Resilient wraps a Runner with per-agent circuit breakers and exponential
// backoff retries. Agents listed in NoRetry still go through their breaker but
// are attempted once.
type Resilient struct {
	inner    Runner
	breakers *BreakerRegistry
	retry    RetryConfig
	noRetry  map[string]bool
}

// NewResilient wraps inner. A nil registry gets a fresh one.
func NewResilient(inner Runner, breakers *BreakerRegistry, retry RetryConfig, noRetry []string) *Resilient {
	if breakers == nil {
		breakers = NewBreakerRegistry(nil)
	}
	skip := make(map[string]bool, len(noRetry))
	for _, name := range noRetry {
		skip[name] = true
	}
	return &Resilient{inner: inner, breakers: breakers, retry: retry, noRetry: skip}
}

// Run implements Runner.
func (r *Resilient) Run(ctx context.Context, req Request) (Result, error) {
	cb := r.breakers.Get(req.Agent)
	if r.noRetry[req.Agent] {
		return runThroughBreaker(ctx, r.inner, req, cb)
	}
	return runWithRetry(ctx, r.inner, req, cb, r.retry)
}

func runThroughBreaker(ctx context.Context, runner Runner, req Request, cb *gobreaker.CircuitBreaker) (Result, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return runner.Run(ctx, req)
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

// runWithRetry runs the request with exponential backoff retry and circuit breaker protection.
func runWithRetry(ctx context.Context, runner Runner, req Request, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (Result, error) {
	var res Result

	operation := func() error {
		// Fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := runThroughBreaker(ctx, runner, req, cb)
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		res = out
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(backoffPolicy, ctx))
	return res, err
}
