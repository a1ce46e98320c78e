// Package connector establishes connectivity to the task-queue backend with
// linear backoff.
//
// A Connector owns exactly one ConnectionState. It does not monitor liveness
// after a successful Connect; callers that detect a broken connection report
// it with MarkLost and call Connect again.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/petrijr/campaignflow/internal/clock"
	"github.com/petrijr/campaignflow/pkg/api"
)

// State is the connection state owned by a Connector.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

const (
	triggerDial        = "dial"
	triggerEstablished = "established"
	triggerLost        = "lost"
)

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Config controls the connector backoff.
type Config struct {
	// BaseDelay is multiplied by the attempt number to get the wait.
	BaseDelay time.Duration
	// MaxDelay caps the wait. Zero means no cap.
	MaxDelay time.Duration
	// MaxAttempts bounds the number of factory calls. Zero retries forever.
	MaxAttempts int
}

// DefaultConfig returns a 5s linear backoff capped at 30s, retrying forever.
func DefaultConfig() Config {
	return Config{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Delay returns min(BaseDelay*attempt, MaxDelay) for attempt >= 1.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if c.BaseDelay <= 0 {
		return 0
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay/time.Duration(attempt) {
		return c.MaxDelay
	}
	d := c.BaseDelay * time.Duration(attempt)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c Config) backoff() retry.Backoff {
	var attempt int
	b := retry.Backoff(retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return c.Delay(attempt), false
	}))
	if c.BaseDelay > 0 && c.MaxDelay > 0 {
		b = retry.WithCappedDuration(c.MaxDelay, b)
	}
	if c.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(c.MaxAttempts-1), b)
	}
	return b
}

// Factory attempts one connection.
type Factory[T any] func(ctx context.Context) (T, error)

// Option configures a Connector.
type Option func(*options)

type options struct {
	logger *zap.Logger
	clock  clock.Clock
}

// WithLogger sets the logger used for attempt warnings.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// Connector dials a backend through a caller-supplied factory.
type Connector[T any] struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	mu sync.Mutex
	sm *stateless.StateMachine
}

// New creates a Connector in the Disconnected state.
func New[T any](cfg Config, opts ...Option) *Connector[T] {
	o := options{logger: zap.L(), clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	sm := stateless.NewStateMachine(Disconnected)
	sm.Configure(Disconnected).
		Permit(triggerDial, Connecting).
		Ignore(triggerLost)
	sm.Configure(Connecting).
		Permit(triggerEstablished, Connected).
		Permit(triggerLost, Disconnected).
		Ignore(triggerDial)
	sm.Configure(Connected).
		Permit(triggerDial, Connecting).
		Permit(triggerLost, Disconnected)

	return &Connector[T]{
		cfg:    cfg,
		logger: o.logger.Named("connector"),
		clock:  o.clock,
		sm:     sm,
	}
}

// State returns the current connection state.
func (c *Connector[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.MustState().(State)
}

func (c *Connector[T]) fire(trigger string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Every trigger is permitted or ignored in every state.
	_ = c.sm.Fire(trigger)
}

// MarkLost reports that a previously returned connection failed on use.
func (c *Connector[T]) MarkLost(err error) {
	if c.State() == Connected {
		c.logger.Warn("connector_lost", zap.Error(err))
	}
	c.fire(triggerLost)
}

// Connect calls factory until it succeeds. Between failures it waits
// min(BaseDelay*attempt, MaxDelay). When MaxAttempts is reached it returns
// an *api.ConnectionExhaustedError wrapping the last failure. Connect may be
// called again at any time and always dials fresh.
func (c *Connector[T]) Connect(ctx context.Context, factory Factory[T]) (T, error) {
	var zero T
	c.fire(triggerDial)

	b := c.cfg.backoff()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			c.fire(triggerLost)
			return zero, err
		}

		conn, err := factory(ctx)
		if err == nil {
			c.fire(triggerEstablished)
			c.logger.Info("connector_connected", zap.Int("attempt", attempt))
			return conn, nil
		}

		wait, stop := b.Next()
		if stop {
			c.fire(triggerLost)
			exhausted := &api.ConnectionExhaustedError{Attempts: attempt, Last: err}
			c.logger.Error("connector_exhausted",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return zero, exhausted
		}

		c.logger.Warn("connector_attempt_failed",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		if serr := c.clock.Sleep(ctx, wait); serr != nil {
			c.fire(triggerLost)
			return zero, fmt.Errorf("connect interrupted after %d attempts: %w", attempt, serr)
		}
	}
}
