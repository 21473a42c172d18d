package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/monalisha31/traveler-integrated/internal/circuitbreaker"
	"github.com/monalisha31/traveler-integrated/internal/metrics"
)

// ResilientBackend retries failed calls with exponential backoff and stops
// calling the wrapped backend while its circuit breaker is open.
type ResilientBackend struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// ResilientConfig holds breaker and retry settings.
type ResilientConfig struct {
	MaxFailures         int
	Timeout             time.Duration
	HalfOpenMaxRequests int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns the defaults used for remote backends.
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
		RetryMaxDelay:       5 * time.Second,
	}
}

// NewResilientBackend wraps backend. A nil cfg uses DefaultResilientConfig.
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	name := "storage-" + backend.Type()
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:                name,
		MaxFailures:         cfg.MaxFailures,
		Timeout:             cfg.Timeout,
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
		// A missing object means the backend answered.
		IsFailure: func(err error) bool { return !errors.Is(err, ErrNotFound) },
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.Get().SetBreakerState(name, int(to))
		},
	}, logger)
	metrics.Get().SetBreakerState(name, int(circuitbreaker.StateClosed))

	return &ResilientBackend{
		backend:       backend,
		cb:            cb,
		logger:        logger.With().Str("component", "resilient-storage").Str("backend", backend.Type()).Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// retry runs fn through the breaker until it succeeds, the breaker opens,
// the error is ErrNotFound, or the retries are spent.
func retry[T any](ctx context.Context, r *ResilientBackend, op, path string, fn func() (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.cb.Execute(func() error {
			var err error
			result, err = fn()
			return err
		})
		metrics.Get().StorageOp(op, err)
		if err == nil || errors.Is(err, ErrNotFound) {
			return result, err
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			r.logger.Warn().Str("op", op).Str("path", path).Msg("Storage call rejected, circuit breaker open")
			return result, err
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		delay := min(r.retryDelay<<attempt, r.retryMaxDelay)
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.maxRetries).
			Dur("retry_delay", delay).
			Msg("Storage call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	var zero T
	return zero, fmt.Errorf("storage %s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	_, err := retry(ctx, r, "write", path, func() (struct{}, error) {
		return struct{}{}, r.backend.Write(ctx, path, data)
	})
	return err
}

func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	return retry(ctx, r, "read", path, func() ([]byte, error) {
		return r.backend.Read(ctx, path)
	})
}

func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return retry(ctx, r, "list", prefix, func() ([]string, error) {
		return r.backend.List(ctx, prefix)
	})
}

func (r *ResilientBackend) Delete(ctx context.Context, path string) error {
	_, err := retry(ctx, r, "delete", path, func() (struct{}, error) {
		return struct{}{}, r.backend.Delete(ctx, path)
	})
	return err
}

func (r *ResilientBackend) Exists(ctx context.Context, path string) (bool, error) {
	return retry(ctx, r, "exists", path, func() (bool, error) {
		return r.backend.Exists(ctx, path)
	})
}

func (r *ResilientBackend) Close() error { return r.backend.Close() }

func (r *ResilientBackend) Type() string { return r.backend.Type() }

// Unwrap returns the wrapped backend.
func (r *ResilientBackend) Unwrap() Backend { return r.backend }

// Breaker returns the circuit breaker guarding the backend.
func (r *ResilientBackend) Breaker() *circuitbreaker.CircuitBreaker { return r.cb }
