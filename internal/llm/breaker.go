package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the provider is failing and calls are short-circuited.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig tunes the circuit breaker around a Client.
type BreakerConfig struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a trial call.
	OpenTimeout time.Duration
	// HalfOpenLimit is the number of trial calls let through while half-open.
	HalfOpenLimit uint32
}

// BreakerClient fails fast with ErrCircuitOpen after repeated provider errors.
type BreakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next in a circuit breaker.
func WithBreaker(next Client, cfg BreakerConfig, log *slog.Logger) *BreakerClient {
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	if cfg.HalfOpenLimit == 0 {
		cfg.HalfOpenLimit = 1
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "llm_breaker")

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenLimit,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Cancellation is not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerClient{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Complete implements Client.
func (b *BreakerClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*Response), nil
}

// State returns the breaker state name: "closed", "half-open" or "open".
func (b *BreakerClient) State() string {
	return b.cb.State().String()
}
