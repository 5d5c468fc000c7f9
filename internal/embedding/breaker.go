package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker around a Provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip
	// the circuit. Default: 3.
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning
	// to half-open. Default: 30 seconds.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required
	// in half-open state to close the circuit again. Default: 2.
	HalfOpenMaxSuccesses uint32
}

func (c *BreakerConfig) normalize() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxSuccesses == 0 {
		c.HalfOpenMaxSuccesses = 2
	}
}

// BreakerProvider decorates a Provider with a circuit breaker so a
// misbehaving embedding API cannot stall every memory write. An open
// circuit surfaces as a transient provider error, which async callers
// retry and sync callers report.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

var _ Provider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps inner with a circuit breaker. Only transient and
// rate-limit failures count toward tripping: auth and permanent errors pass
// through without poisoning the breaker state, since retrying them is
// pointless either way.
func NewBreakerProvider(inner Provider, cfg BreakerConfig, logger *zap.Logger) *BreakerProvider {
	cfg.normalize()

	settings := gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0, // never clear counts periodically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Embedding circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if pe, ok := AsProviderError(err); ok {
				return !pe.Retryable()
			}
			return false
		},
	}

	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Embed runs a single-text embedding through the breaker.
func (b *BreakerProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := b.execute(ctx, func() (interface{}, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

// EmbedBatch runs a batch embedding through the breaker.
func (b *BreakerProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := b.execute(ctx, func() (interface{}, error) {
		return b.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return out.([][]float32), nil
}

func (b *BreakerProvider) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Kind: KindTransient, Err: err}
	}
	out, err := b.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{Kind: KindTransient, Err: err}
		}
		return nil, err
	}
	return out, nil
}

// Dimension delegates to the wrapped provider.
func (b *BreakerProvider) Dimension() int {
	return b.inner.Dimension()
}

// Name delegates to the wrapped provider.
func (b *BreakerProvider) Name() string {
	return b.inner.Name()
}

// State returns the breaker state for health reporting.
func (b *BreakerProvider) State() string {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
