package integrations

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/sessiond/pkg/types"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call to a
// collaborator to prevent cascading failures.
var ErrCircuitOpen = errors.New("integration circuit breaker is open")

// BreakerConfig holds the circuit breaker tuning for one collaborator.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip
	// the circuit. Default: 3
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing test
	// requests. Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required
	// in half-open state to close the circuit again. Default: 2
	HalfOpenMaxSuccesses uint32
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxSuccesses == 0 {
		c.HalfOpenMaxSuccesses = 2
	}
	return c
}

// BreakerSage wraps a Sage with a circuit breaker. When the collaborator
// fails repeatedly, further calls are rejected immediately with
// ErrCircuitOpen instead of waiting on a dead service.
type BreakerSage struct {
	inner   Sage
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps a sage in a circuit breaker.
func WithBreaker(inner Sage, cfg BreakerConfig) *BreakerSage {
	cfg = cfg.normalize()

	settings := gobreaker.Settings{
		Name:        string(inner.Category()),
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("integrations: %s breaker %s -> %s", name, from, to)
		},
	}

	return &BreakerSage{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Category implements Sage.
func (b *BreakerSage) Category() types.SageCategory {
	return b.inner.Category()
}

// Notify implements Sage, passing the event through the breaker.
func (b *BreakerSage) Notify(ctx context.Context, event Event) error {
	_, err := b.execute(ctx, func() (any, error) {
		return nil, b.inner.Notify(ctx, event)
	})
	return err
}

// Query implements Sage, passing the request through the breaker.
func (b *BreakerSage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	result, err := b.execute(ctx, func() (any, error) {
		return b.inner.Query(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*QueryResponse), nil
}

// State returns the breaker state: "closed", "open", or "half-open".
func (b *BreakerSage) State() string {
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

func (b *BreakerSage) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// Compile-time check that BreakerSage implements Sage.
var _ Sage = (*BreakerSage)(nil)
