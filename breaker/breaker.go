// Package breaker isolates a failing resource behind a closed/open/half-open
// state machine. Open to half-open is evaluated lazily on the next call; the
// breaker owns no timers or goroutines of its own.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/types"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Snapshot struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at"`
}

type StateChangeFunc func(name string, from, to State)

type Option func(*Breaker)

func WithClock(c clock.Clock) Option {
	return func(cb *Breaker) {
		cb.clock = c
	}
}

// WithStateChange registers a callback invoked after every transition,
// outside the breaker lock.
func WithStateChange(fn StateChangeFunc) Option {
	return func(cb *Breaker) {
		cb.onStateChange = fn
	}
}

type Breaker struct {
	name          string
	config        *types.BreakerConfig
	logger        types.Logger
	clock         clock.Clock
	onStateChange StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	trialInFlight bool
	// generation changes on every transition so that outcomes of calls
	// admitted under an earlier state are not counted against the new one.
	generation uint64
}

type transition struct {
	from, to State
}

func New(name string, config *types.BreakerConfig, logger types.Logger, opts ...Option) *Breaker {
	cb := &Breaker{
		name:   name,
		config: config.WithDefaults(),
		logger: logger,
		clock:  clock.New(),
		state:  StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

func (cb *Breaker) Name() string {
	return cb.name
}

func (cb *Breaker) Config() types.BreakerConfig {
	return *cb.config
}

// Execute runs fn if the breaker admits the call. fn receives a context
// bounded by CallTimeout; exceeding it yields *types.TimeoutError and counts
// as a failure. A rejected call returns *types.CircuitOpenError without
// invoking fn. Cancellation of ctx by the caller is not held against the
// resource.
func (cb *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.allow()
	if err != nil {
		return nil, err
	}

	value, err := cb.run(ctx, fn)

	if err != nil && ctx.Err() != nil && !errors.Is(err, types.ErrCallTimeout) {
		cb.release(generation)
		return nil, err
	}

	cb.record(generation, err)
	return value, err
}

func (cb *Breaker) run(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	type result struct {
		value interface{}
		err   error
	}

	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("resolver panic: %v", r)}
			}
		}()

		value, err := fn(callCtx)
		resultCh <- result{value: value, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, cb.timeoutError()
		}
		return res.value, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cb.logger.Warn("Call timed out, abandoning in-flight work",
			zap.String("resource", cb.name),
			zap.Duration("timeout", cb.config.CallTimeout))
		return nil, cb.timeoutError()
	}
}

func (cb *Breaker) timeoutError() error {
	return &types.TimeoutError{Resource: cb.name, Timeout: cb.config.CallTimeout}
}

func (cb *Breaker) allow() (uint64, error) {
	cb.mu.Lock()

	var changed *transition

	switch cb.state {
	case StateOpen:
		elapsed := cb.clock.Since(cb.openedAt)
		if elapsed < cb.config.RecoveryTimeout {
			err := &types.CircuitOpenError{
				Resource:   cb.name,
				OpenedAt:   cb.openedAt,
				RetryAfter: cb.config.RecoveryTimeout - elapsed,
			}
			cb.mu.Unlock()
			return 0, err
		}
		changed = cb.transitionUnsafe(StateHalfOpen)
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			err := &types.CircuitOpenError{Resource: cb.name, OpenedAt: cb.openedAt}
			cb.mu.Unlock()
			return 0, err
		}
		cb.trialInFlight = true
	}

	generation := cb.generation
	cb.mu.Unlock()

	cb.notify(changed)
	return generation, nil
}

func (cb *Breaker) record(generation uint64, err error) {
	cb.mu.Lock()

	if generation != cb.generation {
		cb.mu.Unlock()
		cb.logger.Debug("Discarding outcome from a previous breaker state",
			zap.String("resource", cb.name),
			zap.Bool("success", err == nil))
		return
	}

	var changed *transition

	switch cb.state {
	case StateClosed:
		if err == nil {
			cb.failures = 0
			break
		}

		cb.failures++
		cb.logger.Debug("Failure recorded in closed state",
			zap.String("resource", cb.name),
			zap.Int("failures", cb.failures),
			zap.Int("threshold", cb.config.FailureThreshold),
			zap.Error(err))

		if cb.failures >= cb.config.FailureThreshold {
			changed = cb.transitionUnsafe(StateOpen)
		}
	case StateHalfOpen:
		cb.trialInFlight = false

		if err != nil {
			cb.failures = 1
			changed = cb.transitionUnsafe(StateOpen)
			break
		}

		cb.failures = 0
		cb.successes++
		cb.logger.Debug("Success recorded in half-open state",
			zap.String("resource", cb.name),
			zap.Int("successes", cb.successes),
			zap.Int("required", cb.config.SuccessThreshold))

		if cb.successes >= cb.config.SuccessThreshold {
			changed = cb.transitionUnsafe(StateClosed)
		}
	case StateOpen:
		if err == nil {
			cb.logger.Warn("Success recorded in open circuit breaker state",
				zap.String("resource", cb.name))
		}
	}

	cb.mu.Unlock()
	cb.notify(changed)
}

// release frees the half-open trial slot without counting an outcome.
func (cb *Breaker) release(generation uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if generation == cb.generation && cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// Reset forces the breaker closed with zeroed counters.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	oldState := cb.state
	changed := cb.transitionUnsafe(StateClosed)
	cb.mu.Unlock()

	cb.logger.Info("Circuit breaker manually reset",
		zap.String("resource", cb.name),
		zap.String("old_state", oldState.String()),
		zap.String("new_state", StateClosed.String()))

	cb.notify(changed)
}

func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *Breaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		State:                cb.state,
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		OpenedAt:             cb.openedAt,
	}
}

func (cb *Breaker) transitionUnsafe(to State) *transition {
	from := cb.state

	cb.state = to
	cb.generation++
	cb.trialInFlight = false

	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.openedAt = time.Time{}
	case StateOpen:
		cb.successes = 0
		cb.openedAt = cb.clock.Now()
	case StateHalfOpen:
		cb.successes = 0
	}

	if from == to {
		return nil
	}

	return &transition{from: from, to: to}
}

func (cb *Breaker) notify(changed *transition) {
	if changed == nil {
		return
	}

	fields := []zap.Field{
		zap.String("resource", cb.name),
		zap.String("from", changed.from.String()),
		zap.String("to", changed.to.String()),
	}

	switch changed.to {
	case StateOpen:
		cb.logger.Warn("Circuit breaker opened", append(fields, zap.Int("threshold", cb.config.FailureThreshold))...)
	case StateHalfOpen:
		cb.logger.Info("Circuit breaker transitioned to half-open", fields...)
	case StateClosed:
		cb.logger.Info("Circuit breaker closed", fields...)
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, changed.from, changed.to)
	}
}
