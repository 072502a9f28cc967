// Package breaker guards calls to a non-critical dependency with a circuit
// breaker so that callers can fall back instead of waiting on timeouts.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without calling the guarded function while the breaker
// is open (or half-open and saturated).
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	Name string
	// MaxRequests is the probe budget in the half-open state.
	MaxRequests uint32
	// Interval clears counts while closed; 0 never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful classifies errors that should not count against the
	// dependency, e.g. cache misses. Defaults to err == nil.
	IsSuccessful func(err error) bool
}

func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      15 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)
	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejected_total",
			Help: "Calls short-circuited by an open breaker.",
		},
		[]string{"name"},
	)
)

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// New builds a breaker from cfg. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			stateGauge.WithLabelValues(name).Set(stateValue(to))
		},
	}
	settings.IsSuccessful = func(err error) bool {
		var ce ctxError
		if errors.As(err, &ce) {
			return true
		}
		if cfg.IsSuccessful != nil {
			return cfg.IsSuccessful(err)
		}
		return err == nil
	}
	stateGauge.WithLabelValues(cfg.Name).Set(0)
	return &Breaker{name: cfg.Name, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Do runs fn through the breaker. Context cancellation by the caller is not
// counted as a dependency failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, ctxError{err}
		}
		return nil, err
	})
	return b.translate(err)
}

// Execute is Do for calls that return a value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (b *Breaker) translate(err error) error {
	var ce ctxError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce.err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rejectedTotal.WithLabelValues(b.name).Inc()
		return ErrOpen
	default:
		return err
	}
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Name() string { return b.name }

// ctxError marks a failure caused by the caller's context. It is not
// counted against the dependency.
type ctxError struct{ err error }

func (e ctxError) Error() string { return e.err.Error() }
func (e ctxError) Unwrap() error { return e.err }
