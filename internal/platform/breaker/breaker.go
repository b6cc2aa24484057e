// Package breaker wraps sony/gobreaker with zerolog logging and a prometheus
// state gauge.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/clinic/desk/internal/platform/telemetry"
)

// ErrRejected is returned when the circuit refuses a call. The wrapped
// gobreaker error is kept in the chain.
var ErrRejected = errors.New("circuit breaker rejected call")

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker settings.
type Config struct {
	Name string
	// MaxRequests is how many trial calls pass while half-open.
	MaxRequests uint32
	// Interval clears the counts while closed. Zero never clears.
	Interval time.Duration
	// Timeout is how long the circuit stays open before a trial.
	Timeout time.Duration
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
}

// DefaultConfig returns settings suited to periodic polling.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         5 * time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// Breaker guards calls to a flaky dependency.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	name    string
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New creates a Breaker.
func New(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Breaker {
	b := &Breaker{
		name:    cfg.Name,
		logger:  logger.With().Str("component", "breaker").Str("breaker", cfg.Name).Logger(),
		metrics: metrics,
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.MinRequests == 0 || counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the dependency.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	metrics.SetBreakerState(cfg.Name, 0)

	return b
}

// Execute runs fn through the breaker. When the circuit is open or the
// half-open trial budget is spent, fn is not called and the returned error
// matches ErrRejected.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrRejected, err)
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	return mapState(b.cb.State())
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	ev := b.logger.Info()
	if to == gobreaker.StateOpen {
		ev = b.logger.Warn()
	}
	ev.Str("from", string(mapState(from))).
		Str("to", string(mapState(to))).
		Msg("circuit breaker state changed")

	b.metrics.SetBreakerState(b.name, gaugeValue(to))
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

func gaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
