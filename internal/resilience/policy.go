// Package resilience wraps calls to external collaborators with bounded retry,
// exponential backoff with jitter, and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/metrics"
)

// Class tells the policy whether an error is worth retrying.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classifier maps a collaborator error to a Class.
type Classifier func(error) Class

// ErrCircuitOpen is returned without calling the collaborator while its breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// Config holds retry and breaker settings for one policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration

	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultConfig mirrors the defaults in the configuration file.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		MinRequests:      10,
		Cooldown:         60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MinRequests == 0 {
		c.MinRequests = d.MinRequests
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Outcome is the typed result of a wrapped call. Err is nil on success.
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// OK reports whether the call succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Policy guards one collaborator class. It is safe for concurrent use and
// holds breaker state for the lifetime of the process.
type Policy struct {
	name     string
	cfg      Config
	classify Classifier
	breaker  *gobreaker.CircuitBreaker
}

// NewPolicy creates a policy with its own breaker. A nil classifier treats every error as transient.
func NewPolicy(name string, cfg Config, classify Classifier) *Policy {
	cfg = cfg.withDefaults()
	p := &Policy{name: name, cfg: cfg, classify: classify}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: p.readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			if to == gobreaker.StateOpen {
				logger.Warn("Circuit %s opened (was %s), cooling down for %v", name, from, cfg.Cooldown)
			} else {
				logger.Info("Circuit %s changed from %s to %s", name, from, to)
			}
		},
		IsSuccessful: p.countsAsSuccess,
	})
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return p
}

// Name returns the policy name.
func (p *Policy) Name() string {
	return p.name
}

// State returns the breaker state as "closed", "half-open" or "open".
func (p *Policy) State() string {
	return p.breaker.State().String()
}

// Classify applies the policy's classifier. Per-call timeouts are always transient.
func (p *Policy) Classify(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if p.classify == nil {
		return Transient
	}
	return p.classify(err)
}

func (p *Policy) readyToTrip(c gobreaker.Counts) bool {
	if c.ConsecutiveFailures >= p.cfg.FailureThreshold {
		return true
	}
	if p.cfg.FailureRatio > 0 && c.Requests >= p.cfg.MinRequests {
		return float64(c.TotalFailures)/float64(c.Requests) >= p.cfg.FailureRatio
	}
	return false
}

// Permanent errors describe the request, not the health of the collaborator.
func (p *Policy) countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return p.Classify(err) == Permanent
}

func (p *Policy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.BaseDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         p.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &cappedBackOff{BackOff: b, max: p.cfg.MaxDelay}
}

// cappedBackOff keeps jittered delays under the configured maximum.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	d := c.BackOff.NextBackOff()
	if d != backoff.Stop && d > c.max {
		return c.max
	}
	return d
}

// Do runs fn under p. Transient errors are retried up to MaxAttempts with
// backoff; permanent errors, an open breaker, and caller cancellation end the
// call immediately. Each attempt is bounded by the policy timeout.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) Outcome[T] {
	var (
		value    T
		attempts int
	)

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		metrics.CallAttemptsTotal.WithLabelValues(p.name).Inc()

		res, err := p.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			return fn(callCtx)
		})
		if err == nil {
			value, _ = res.(T)
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ShortCircuitsTotal.WithLabelValues(p.name).Inc()
			return backoff.Permanent(fmt.Errorf("%s: %w", p.name, ErrCircuitOpen))
		}
		if ctx.Err() != nil || p.Classify(err) == Permanent {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.CallRetriesTotal.WithLabelValues(p.name).Inc()
		logger.Debug("%s attempt %d/%d failed, retrying in %v: %v", p.name, attempts, p.cfg.MaxAttempts, wait, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, notify)
	if err != nil && attempts == p.cfg.MaxAttempts && p.Classify(err) == Transient {
		logger.Debug("%s failed after %d attempts: %v", p.name, attempts, err)
	}
	return Outcome[T]{Value: value, Err: err, Attempts: attempts}
}
