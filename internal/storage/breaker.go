package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker in front of a backend.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures that open the circuit
	SuccessThreshold uint32        // half-open successes needed to close it
	OpenTimeout      time.Duration // time spent open before probing
	RequestTimeout   time.Duration // per-call deadline
}

// DefaultBreakerConfig returns the production thresholds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
}

// Breaker decorates a Store with a circuit breaker and a per-call
// timeout. ErrNotFound and caller cancellation do not count as failures.
type Breaker struct {
	next    Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// WithBreaker wraps next.
func WithBreaker(next Store, cfg BreakerConfig, log zerolog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("storage breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st), timeout: cfg.RequestTimeout}
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		if b.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.next.Get(ctx, key)
		return err
	})
	return out, err
}

func (b *Breaker) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.call(ctx, func(ctx context.Context) error {
		return b.next.Put(ctx, key, value, ttl)
	})
}

func (b *Breaker) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		ok, err = b.next.PutIfAbsent(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (b *Breaker) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	var ok bool
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		ok, err = b.next.DeleteIfEqual(ctx, key, expected)
		return err
	})
	return ok, err
}

func (b *Breaker) Delete(ctx context.Context, key string) error {
	return b.call(ctx, func(ctx context.Context) error {
		return b.next.Delete(ctx, key)
	})
}

func (b *Breaker) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		keys, err = b.next.List(ctx, prefix)
		return err
	})
	return keys, err
}
