package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutormesh/tutormesh/pkg/events"
	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// GlobalBreakerName is the name of the registry-wide breaker
const GlobalBreakerName = "global"

// BreakerRegistryConfig holds configuration for the breaker registry
type BreakerRegistryConfig struct {
	// Defaults is the template configuration applied to every worker breaker
	Defaults CircuitBreakerConfig
	// Retry is the policy applied around each worker breaker
	Retry RetryConfig
	// GlobalTripFraction forces the global breaker open when the fraction of
	// open worker breakers exceeds it
	GlobalTripFraction float64
	// GlobalResetFraction resets the global breaker when the open fraction
	// drops below it
	GlobalResetFraction float64
}

// DefaultBreakerRegistryConfig returns a registry configuration with the
// standard thresholds
func DefaultBreakerRegistryConfig() BreakerRegistryConfig {
	return BreakerRegistryConfig{
		Defaults:            DefaultCircuitBreakerConfig(""),
		Retry:               DefaultRetryConfig(),
		GlobalTripFraction:  0.5,
		GlobalResetFraction: 0.1,
	}
}

// AggregateHealth summarizes every worker breaker: CLOSED workers are
// healthy, HALF_OPEN degraded, OPEN failed.
type AggregateHealth struct {
	Total        int               `json:"total"`
	Healthy      int               `json:"healthy"`
	Degraded     int               `json:"degraded"`
	Failed       int               `json:"failed"`
	OpenFraction float64           `json:"open_fraction"`
	ErrorRate    float64           `json:"error_rate"`
	GlobalState  string            `json:"global_state"`
	Workers      map[string]string `json:"workers"`
}

// BreakerRegistry maintains one circuit breaker per worker plus a global
// breaker that trips when too many worker breakers are open at once.
type BreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	overrides map[string]CircuitBreakerConfig

	global        *CircuitBreaker
	defaults      CircuitBreakerConfig
	retryConfig   RetryConfig
	tripFraction  float64
	resetFraction float64

	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewBreakerRegistry creates a registry. The bus and metrics may be nil.
func NewBreakerRegistry(config BreakerRegistryConfig, bus *events.Bus, m *metrics.Metrics) *BreakerRegistry {
	if config.GlobalTripFraction <= 0 {
		config.GlobalTripFraction = 0.5
	}
	if config.GlobalResetFraction <= 0 {
		config.GlobalResetFraction = 0.1
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = DefaultRetryConfig()
	}

	r := &BreakerRegistry{
		breakers:      make(map[string]*CircuitBreaker),
		overrides:     make(map[string]CircuitBreakerConfig),
		defaults:      config.Defaults,
		retryConfig:   config.Retry,
		tripFraction:  config.GlobalTripFraction,
		resetFraction: config.GlobalResetFraction,
		bus:           bus,
		metrics:       m,
		logger:        logging.GetLogger(),
	}

	globalConfig := config.Defaults
	globalConfig.Name = GlobalBreakerName
	globalConfig.OnStateChange = func(name string, from, to CircuitState) {
		r.reportTransition(name, from, to, true)
	}
	r.global = NewCircuitBreaker(globalConfig)

	return r
}

// ForWorker returns the breaker for a worker id, creating it on first use
func (r *BreakerRegistry) ForWorker(workerID string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[workerID]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerID]; ok {
		return cb
	}

	config := r.defaults
	if override, ok := r.overrides[workerID]; ok {
		config = mergeBreakerConfig(config, override)
	}
	config.Name = workerID
	config.OnStateChange = func(name string, from, to CircuitState) {
		r.reportTransition(name, from, to, false)
		r.recomputeGlobal()
	}

	cb = NewCircuitBreaker(config)
	r.breakers[workerID] = cb
	return cb
}

// SetWorkerConfig stores a per-worker override applied when the worker's
// breaker is first created. It has no effect on an existing breaker.
func (r *BreakerRegistry) SetWorkerConfig(workerID string, config CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[workerID] = config
}

// RemoveWorker drops the breaker for a deregistered worker
func (r *BreakerRegistry) RemoveWorker(workerID string) {
	r.mu.Lock()
	_, existed := r.breakers[workerID]
	delete(r.breakers, workerID)
	delete(r.overrides, workerID)
	r.mu.Unlock()

	if existed {
		r.recomputeGlobal()
	}
}

// Global returns the registry-wide breaker
func (r *BreakerRegistry) Global() *CircuitBreaker {
	return r.global
}

// ExecuteWorkerCall runs an operation against a worker with the full breaker
// plus retry stack. Each retried attempt passes through the worker's breaker,
// so a breaker that trips mid-sequence stops the remaining attempts. A forced
// open global breaker fails everything fast.
func (r *BreakerRegistry) ExecuteWorkerCall(ctx context.Context, workerID string, workerType types.WorkerType, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	if state := r.global.State(); state == StateOpen {
		return nil, &CircuitBreakerError{Name: GlobalBreakerName, State: state}
	}

	cb := r.ForWorker(workerID)

	retryConfig := r.retryConfig
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		if r.metrics != nil {
			r.metrics.RecordRetryAttempt(workerType.String())
		}
	}
	retrier := NewRetrier(retryConfig)

	result, err := retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return cb.Execute(ctx, operation)
	})
	if err != nil && IsRetryExhausted(err) && r.metrics != nil {
		r.metrics.RecordRetryExhausted(workerType.String())
	}
	return result, err
}

// Health aggregates the state of every worker breaker
func (r *BreakerRegistry) Health() AggregateHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := AggregateHealth{
		Workers:     make(map[string]string, len(r.breakers)),
		GlobalState: r.global.State().String(),
	}

	var totalRequests, totalFailures uint64
	for id, cb := range r.breakers {
		state := cb.State()
		health.Total++
		switch state {
		case StateClosed:
			health.Healthy++
			health.Workers[id] = "healthy"
		case StateHalfOpen:
			health.Degraded++
			health.Workers[id] = "degraded"
		case StateOpen:
			health.Failed++
			health.Workers[id] = "failed"
		}

		counts := cb.Counts()
		totalRequests += uint64(counts.Requests)
		totalFailures += uint64(counts.TotalFailures)
	}

	if health.Total > 0 {
		health.OpenFraction = float64(health.Failed) / float64(health.Total)
	}
	if totalRequests > 0 {
		health.ErrorRate = float64(totalFailures) / float64(totalRequests)
	}
	return health
}

// Snapshots returns per-breaker metrics sorted by name, global first
func (r *BreakerRegistry) Snapshots() []BreakerMetrics {
	r.mu.RLock()
	workers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		workers = append(workers, cb)
	}
	r.mu.RUnlock()

	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Name() < workers[j].Name()
	})

	snapshots := make([]BreakerMetrics, 0, len(workers)+1)
	snapshots = append(snapshots, r.global.Metrics())
	for _, cb := range workers {
		snapshots = append(snapshots, cb.Metrics())
	}
	return snapshots
}

// Recompute re-evaluates the global breaker against the current worker
// states. Worker transitions trigger this automatically, but a tripped global
// breaker blocks the very calls that would transition workers, so the mode
// evaluator also calls it periodically: workers whose reset timeout elapsed
// report HALF_OPEN, the open fraction drops, and the global breaker re-arms.
func (r *BreakerRegistry) Recompute() {
	r.recomputeGlobal()
}

// recomputeGlobal re-evaluates the open fraction after a worker breaker
// transition and forces or resets the global breaker accordingly
func (r *BreakerRegistry) recomputeGlobal() {
	r.mu.RLock()
	total := len(r.breakers)
	open := 0
	for _, cb := range r.breakers {
		if cb.State() == StateOpen {
			open++
		}
	}
	r.mu.RUnlock()

	if total == 0 {
		return
	}

	fraction := float64(open) / float64(total)
	state := r.global.State()

	if fraction > r.tripFraction && state != StateOpen {
		r.logger.Warn("Global circuit breaker tripped",
			"open_breakers", open,
			"total_breakers", total,
			"open_fraction", fraction,
		)
		r.global.ForceOpen()
	} else if fraction < r.resetFraction && state == StateOpen {
		r.logger.Info("Global circuit breaker reset",
			"open_breakers", open,
			"total_breakers", total,
			"open_fraction", fraction,
		)
		r.global.Reset()
	}
}

// reportTransition publishes a breaker transition to the bus and metrics
func (r *BreakerRegistry) reportTransition(name string, from, to CircuitState, global bool) {
	if r.bus != nil {
		r.bus.Publish(events.TopicBreakerStateChanged, events.BreakerStateChange{
			Breaker: name,
			From:    from.String(),
			To:      to.String(),
			Global:  global,
		})
	}
	if r.metrics != nil {
		r.metrics.SetBreakerState(name, stateGaugeValue(to))
		r.metrics.RecordBreakerTransition(name, to.String())
	}
}

// stateGaugeValue maps breaker states onto the prometheus gauge encoding
func stateGaugeValue(state CircuitState) int {
	switch state {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// mergeBreakerConfig overlays the non-zero fields of the override onto the
// base configuration
func mergeBreakerConfig(base, override CircuitBreakerConfig) CircuitBreakerConfig {
	merged := base
	if override.FailureThreshold > 0 {
		merged.FailureThreshold = override.FailureThreshold
	}
	if override.FailureRateThreshold > 0 {
		merged.FailureRateThreshold = override.FailureRateThreshold
	}
	if override.SlowCallThreshold > 0 {
		merged.SlowCallThreshold = override.SlowCallThreshold
	}
	if override.SlowCallRateThreshold > 0 {
		merged.SlowCallRateThreshold = override.SlowCallRateThreshold
	}
	if override.ResetTimeout > 0 {
		merged.ResetTimeout = override.ResetTimeout
	}
	if override.HalfOpenMaxCalls > 0 {
		merged.HalfOpenMaxCalls = override.HalfOpenMaxCalls
	}
	if override.Interval > 0 {
		merged.Interval = override.Interval
	}
	if override.ReadyToTrip != nil {
		merged.ReadyToTrip = override.ReadyToTrip
	}
	return merged
}
