package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tutormesh/tutormesh/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited trial requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the minimum number of recorded calls before the
	// breaker considers tripping
	FailureThreshold int
	// FailureRateThreshold is the failure rate at or above which the breaker
	// trips once FailureThreshold calls have been recorded
	FailureRateThreshold float64
	// SlowCallThreshold is the duration at or above which a call counts as
	// slow, even when it succeeds. Zero disables slow call tracking.
	SlowCallThreshold time.Duration
	// SlowCallRateThreshold is the slow call rate at or above which the
	// breaker trips once FailureThreshold calls have been recorded
	SlowCallRateThreshold float64
	// ResetTimeout is the period of the open state, after which the breaker
	// allows trial calls in half-open
	ResetTimeout time.Duration
	// HalfOpenMaxCalls is the number of trial calls allowed while half-open
	HalfOpenMaxCalls int
	// Interval is the cyclic period of the closed state for the circuit
	// breaker to clear the internal counts. Zero keeps counts for the whole
	// closed period.
	Interval time.Duration
	// ReadyToTrip overrides the default trip decision. It is called with a
	// copy of Counts after every recorded call in the closed state.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange is called whenever the state of the circuit breaker
	// changes. It runs after the breaker's internal lock is released, so it
	// may call back into the breaker or into other breakers.
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a circuit breaker configuration with
// the standard thresholds
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                  name,
		FailureThreshold:      5,
		FailureRateThreshold:  0.5,
		SlowCallThreshold:     5 * time.Second,
		SlowCallRateThreshold: 0.5,
		ResetTimeout:          30 * time.Second,
		HalfOpenMaxCalls:      2,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	TotalSlowCalls       uint32
	TotalDuration        time.Duration
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRate returns the fraction of recorded calls that failed
func (c Counts) FailureRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// SlowCallRate returns the fraction of recorded calls that were slow
func (c Counts) SlowCallRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalSlowCalls) / float64(c.Requests)
}

// AverageResponseTime returns the mean duration across recorded calls
func (c Counts) AverageResponseTime() time.Duration {
	completed := c.TotalSuccesses + c.TotalFailures
	if completed == 0 {
		return 0
	}
	return c.TotalDuration / time.Duration(completed)
}

// BreakerMetrics is a side-effect-free snapshot of a breaker
type BreakerMetrics struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	TotalCalls          uint32        `json:"total_calls"`
	TotalFailures       uint32        `json:"total_failures"`
	TotalSlowCalls      uint32        `json:"total_slow_calls"`
	FailureRate         float64       `json:"failure_rate"`
	SlowCallRate        float64       `json:"slow_call_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	StateChangedAt      time.Time     `json:"state_changed_at"`
	NextRetryAt         *time.Time    `json:"next_retry_at,omitempty"`
}

// stateTransition records a committed state change so the callback can fire
// once the mutex is released
type stateTransition struct {
	from CircuitState
	to   CircuitState
}

// CircuitBreaker is a state machine that stops calls to a worker that is
// likely to fail. Counter generations invalidate results from calls that
// started under a previous state.
type CircuitBreaker struct {
	name                  string
	failureThreshold      int
	failureRateThreshold  float64
	slowCallThreshold     time.Duration
	slowCallRateThreshold float64
	resetTimeout          time.Duration
	halfOpenMaxCalls      int
	interval              time.Duration
	readyToTrip           func(counts Counts) bool
	onStateChange         func(name string, from CircuitState, to CircuitState)

	mutex          sync.Mutex
	state          CircuitState
	generation     uint64
	counts         Counts
	expiry         time.Time
	stateChangedAt time.Time
	forced         bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:                  config.Name,
		failureThreshold:      config.FailureThreshold,
		failureRateThreshold:  config.FailureRateThreshold,
		slowCallThreshold:     config.SlowCallThreshold,
		slowCallRateThreshold: config.SlowCallRateThreshold,
		resetTimeout:          config.ResetTimeout,
		halfOpenMaxCalls:      config.HalfOpenMaxCalls,
		interval:              config.Interval,
		onStateChange:         config.OnStateChange,
		stateChangedAt:        time.Now(),
		logger:                logging.GetLogger(),
	}

	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.failureRateThreshold <= 0 {
		cb.failureRateThreshold = 0.5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.halfOpenMaxCalls < 1 {
		cb.halfOpenMaxCalls = 1
	}

	if config.ReadyToTrip == nil {
		cb.readyToTrip = cb.defaultReadyToTrip
	} else {
		cb.readyToTrip = config.ReadyToTrip
	}

	cb.toNewGeneration(time.Now())
	return cb
}

// defaultReadyToTrip trips once the minimum call volume is reached and either
// the failure rate or the slow call rate crosses its threshold
func (cb *CircuitBreaker) defaultReadyToTrip(counts Counts) bool {
	if counts.Requests < uint32(cb.failureThreshold) {
		return false
	}
	if counts.FailureRate() >= cb.failureRateThreshold {
		return true
	}
	return cb.slowCallThreshold > 0 && counts.SlowCallRate() >= cb.slowCallRateThreshold
}

// Execute runs the given request if the circuit breaker accepts it. The call
// duration is recorded and compared to the slow call threshold.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false, time.Since(start))
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil, time.Since(start))
	return result, err
}

// Call is a convenience method that wraps Execute for functions that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// State returns the current state of the circuit breaker. An open breaker
// whose reset timeout has elapsed reports HALF_OPEN; the transition itself is
// committed by the next Execute.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.peekState(time.Now())
	return state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Metrics returns a snapshot of the breaker without mutating its state
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.peekState(now)

	m := BreakerMetrics{
		Name:                cb.name,
		State:               state.String(),
		TotalCalls:          cb.counts.Requests,
		TotalFailures:       cb.counts.TotalFailures,
		TotalSlowCalls:      cb.counts.TotalSlowCalls,
		FailureRate:         cb.counts.FailureRate(),
		SlowCallRate:        cb.counts.SlowCallRate(),
		AverageResponseTime: cb.counts.AverageResponseTime(),
		StateChangedAt:      cb.stateChangedAt,
	}
	if cb.state == StateOpen && !cb.forced && cb.expiry.After(now) {
		next := cb.expiry
		m.NextRetryAt = &next
	}
	return m
}

// Reset forces the breaker into the closed state and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	cb.forced = false
	transition := cb.setState(StateClosed, time.Now())
	cb.counts = Counts{}
	cb.mutex.Unlock()

	cb.notify(transition)
}

// ForceOpen forces the breaker into the open state regardless of counters.
// A forced-open breaker never half-opens on its own; only Reset clears it.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mutex.Lock()
	cb.forced = true
	transition := cb.setState(StateOpen, time.Now())
	cb.mutex.Unlock()

	cb.notify(transition)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()

	now := time.Now()
	state, generation, transition := cb.currentState(now)

	var err error
	switch {
	case state == StateOpen:
		err = &CircuitBreakerError{Name: cb.name, State: state}
	case state == StateHalfOpen && cb.counts.Requests >= uint32(cb.halfOpenMaxCalls):
		err = &CircuitBreakerError{Name: cb.name, State: state}
	default:
		cb.counts.Requests++
	}

	cb.mutex.Unlock()
	cb.notify(transition)

	if err != nil {
		return generation, err
	}
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool, duration time.Duration) {
	cb.mutex.Lock()

	now := time.Now()
	state, generation, transition := cb.currentState(now)
	if generation != before {
		cb.mutex.Unlock()
		cb.notify(transition)
		return
	}

	slow := cb.slowCallThreshold > 0 && duration >= cb.slowCallThreshold

	var outcome *stateTransition
	if success {
		outcome = cb.onSuccess(state, slow, duration, now)
	} else {
		outcome = cb.onFailure(state, slow, duration, now)
	}

	cb.mutex.Unlock()
	cb.notify(transition)
	cb.notify(outcome)
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, slow bool, duration time.Duration, now time.Time) *stateTransition {
	cb.counts.TotalSuccesses++
	cb.counts.TotalDuration += duration
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0
	if slow {
		cb.counts.TotalSlowCalls++
	}

	switch state {
	case StateClosed:
		// A burst of slow successes can trip the breaker without a single
		// hard failure.
		if cb.readyToTrip(cb.counts) {
			return cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if cb.counts.ConsecutiveSuccesses >= uint32(cb.halfOpenMaxCalls) {
			return cb.setState(StateClosed, now)
		}
	}
	return nil
}

func (cb *CircuitBreaker) onFailure(state CircuitState, slow bool, duration time.Duration, now time.Time) *stateTransition {
	cb.counts.TotalFailures++
	cb.counts.TotalDuration += duration
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	if slow {
		cb.counts.TotalSlowCalls++
	}

	switch state {
	case StateClosed:
		if cb.readyToTrip(cb.counts) {
			return cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		return cb.setState(StateOpen, now)
	}
	return nil
}

// currentState commits any due lazy transition and returns the effective
// state. Must be called with the mutex held.
func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64, *stateTransition) {
	var transition *stateTransition
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if !cb.forced && cb.expiry.Before(now) {
			transition = cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation, transition
}

// peekState reports the effective state without committing transitions. Must
// be called with the mutex held.
func (cb *CircuitBreaker) peekState(now time.Time) (CircuitState, uint64) {
	if cb.state == StateOpen && !cb.forced && cb.expiry.Before(now) {
		return StateHalfOpen, cb.generation
	}
	return cb.state, cb.generation
}

// setState changes the state and returns the transition to report once the
// mutex is released. Must be called with the mutex held.
func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) *stateTransition {
	if cb.state == state {
		return nil
	}

	prev := cb.state
	cb.state = state
	cb.stateChangedAt = now

	cb.toNewGeneration(now)

	return &stateTransition{from: prev, to: state}
}

// notify fires the state change callback and log line outside the mutex
func (cb *CircuitBreaker) notify(t *stateTransition) {
	if t == nil {
		return
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, t.from, t.to)
	}

	cb.logger.LogBreakerEvent(context.Background(), cb.name, t.from.String(), t.to.String(), nil)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.resetTimeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// CircuitBreakerError is returned when a call is rejected without being
// executed
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
