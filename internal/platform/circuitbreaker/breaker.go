// Package circuitbreaker wraps sony/gobreaker for calls to client FHIR
// servers.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the circuit breaker
	Name string
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Excluded marks errors that do not count as failures, such as answers
	// proving the server is reachable.
	Excluded func(err error) bool
}

// DefaultConfig returns defaults for a breaker that lives for one hook
// request: once open it stays open for longer than any request.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		Timeout:          time.Minute,
		MaxRequests:      1,
	}
}

// CircuitBreaker wraps gobreaker with logging and tracing.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger zerolog.Logger
	tracer trace.Tracer
}

// New creates a new circuit breaker
func New(cfg Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", string(mapState(from))).
				Str("to", string(mapState(to))).
				Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// cancellation of the caller says nothing about the server
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return cfg.Excluded != nil && cfg.Excluded(err)
		},
	})
	return c
}

// Execute runs fn through the breaker. While open, fn is not called and
// ErrOpen is returned.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	_, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	result, err := c.cb.Execute(fn)
	if err != nil {
		if IsOpen(err) {
			span.SetAttributes(attribute.Bool("circuit_open", true))
		}
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// State returns the current state.
func (c *CircuitBreaker) State() State {
	return mapState(c.cb.State())
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// IsOpen reports whether err was returned because the breaker rejected the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
