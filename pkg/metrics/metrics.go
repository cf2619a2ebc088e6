package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Worker call metrics
	WorkerCallsTotal   *prometheus.CounterVec
	WorkerCallDuration *prometheus.HistogramVec
	SlowCallsTotal     *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState            *prometheus.GaugeVec
	BreakerTransitionsTotal *prometheus.CounterVec

	// Retry metrics
	RetryAttemptsTotal  *prometheus.CounterVec
	RetryExhaustedTotal *prometheus.CounterVec

	// Fallback metrics
	FallbacksTotal *prometheus.CounterVec
	CacheHitRatio  *prometheus.GaugeVec

	// System mode metrics
	SystemMode           prometheus.Gauge
	ModeTransitionsTotal *prometheus.CounterVec

	// Coordination metrics
	CoordinationRequestsTotal *prometheus.CounterVec
	CoordinationDuration      *prometheus.HistogramVec
	RegisteredWorkers         *prometheus.GaugeVec
	DispatchTimeoutsTotal     *prometheus.CounterVec
	LoadShedTotal             *prometheus.CounterVec

	// Event bus metrics
	EventsDropped prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "tutormesh",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Worker call metrics
		WorkerCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "worker_calls_total",
				Help:      "Total number of resilience-wrapped worker calls",
			},
			[]string{"worker_type", "status"},
		),
		WorkerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "worker_call_duration_seconds",
				Help:      "Worker call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"worker_type", "status"},
		),
		SlowCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "slow_calls_total",
				Help:      "Total number of calls exceeding the slow-call threshold",
			},
			[]string{"worker_type"},
		),

		// Circuit breaker metrics
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),
		BreakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "to_state"},
		),

		// Retry metrics
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts after a first failure",
			},
			[]string{"worker_type"},
		),
		RetryExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_exhausted_total",
				Help:      "Total number of operations that exhausted their retry budget",
			},
			[]string{"worker_type"},
		),

		// Fallback metrics
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallbacks_total",
				Help:      "Total number of degraded answers served, by tier",
			},
			[]string{"worker_type", "tier"},
		),
		CacheHitRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_hit_ratio",
				Help:      "Cache hit ratio",
			},
			[]string{"cache_type"},
		),

		// System mode metrics
		SystemMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "system_mode",
				Help:      "Current system mode (0=normal, 1=degraded, 2=emergency)",
			},
		),
		ModeTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "mode_transitions_total",
				Help:      "Total number of system mode transitions",
			},
			[]string{"from", "to"},
		),

		// Coordination metrics
		CoordinationRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "coordination_requests_total",
				Help:      "Total number of coordinated requests",
			},
			[]string{"status"},
		),
		CoordinationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "coordination_duration_seconds",
				Help:      "Coordination duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		RegisteredWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "registered_workers",
				Help:      "Number of registered workers by type and status",
			},
			[]string{"worker_type", "status"},
		),
		DispatchTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dispatch_timeouts_total",
				Help:      "Total number of dispatch calls that timed out",
			},
			[]string{"worker_type"},
		),
		LoadShedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "load_shed_total",
				Help:      "Total number of calls rejected because a worker was at capacity",
			},
			[]string{"worker_type"},
		),

		// Event bus metrics
		EventsDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "events_dropped",
				Help:      "Cumulative number of events dropped by the bus",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.WorkerCallsTotal,
		m.WorkerCallDuration,
		m.SlowCallsTotal,
		m.BreakerState,
		m.BreakerTransitionsTotal,
		m.RetryAttemptsTotal,
		m.RetryExhaustedTotal,
		m.FallbacksTotal,
		m.CacheHitRatio,
		m.SystemMode,
		m.ModeTransitionsTotal,
		m.CoordinationRequestsTotal,
		m.CoordinationDuration,
		m.RegisteredWorkers,
		m.DispatchTimeoutsTotal,
		m.LoadShedTotal,
		m.EventsDropped,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordWorkerCall records worker call metrics
func (m *Metrics) RecordWorkerCall(workerType, status string, duration time.Duration) {
	if m.WorkerCallsTotal == nil {
		return
	}

	m.WorkerCallsTotal.WithLabelValues(workerType, status).Inc()
	m.WorkerCallDuration.WithLabelValues(workerType, status).Observe(duration.Seconds())
}

// RecordSlowCall records a call that exceeded the slow-call threshold
func (m *Metrics) RecordSlowCall(workerType string) {
	if m.SlowCallsTotal == nil {
		return
	}

	m.SlowCallsTotal.WithLabelValues(workerType).Inc()
}

// SetBreakerState updates a breaker state gauge
func (m *Metrics) SetBreakerState(breaker string, state int) {
	if m.BreakerState == nil {
		return
	}

	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordBreakerTransition records a breaker state transition
func (m *Metrics) RecordBreakerTransition(breaker, toState string) {
	if m.BreakerTransitionsTotal == nil {
		return
	}

	m.BreakerTransitionsTotal.WithLabelValues(breaker, toState).Inc()
}

// RecordRetryAttempt records a retry attempt
func (m *Metrics) RecordRetryAttempt(workerType string) {
	if m.RetryAttemptsTotal == nil {
		return
	}

	m.RetryAttemptsTotal.WithLabelValues(workerType).Inc()
}

// RecordRetryExhausted records an exhausted retry budget
func (m *Metrics) RecordRetryExhausted(workerType string) {
	if m.RetryExhaustedTotal == nil {
		return
	}

	m.RetryExhaustedTotal.WithLabelValues(workerType).Inc()
}

// RecordFallback records a degraded answer served from the given tier
func (m *Metrics) RecordFallback(workerType, tier string) {
	if m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(workerType, tier).Inc()
}

// UpdateCacheHitRatio updates cache hit ratio metrics
func (m *Metrics) UpdateCacheHitRatio(cacheType string, ratio float64) {
	if m.CacheHitRatio == nil {
		return
	}

	m.CacheHitRatio.WithLabelValues(cacheType).Set(ratio)
}

// SetSystemMode updates the system mode gauge
func (m *Metrics) SetSystemMode(mode int) {
	if m.SystemMode == nil {
		return
	}

	m.SystemMode.Set(float64(mode))
}

// RecordModeTransition records a system mode transition
func (m *Metrics) RecordModeTransition(from, to string) {
	if m.ModeTransitionsTotal == nil {
		return
	}

	m.ModeTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordCoordination records coordination request metrics
func (m *Metrics) RecordCoordination(status string, duration time.Duration) {
	if m.CoordinationRequestsTotal == nil {
		return
	}

	m.CoordinationRequestsTotal.WithLabelValues(status).Inc()
	m.CoordinationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// UpdateRegisteredWorkers updates the registered worker gauge
func (m *Metrics) UpdateRegisteredWorkers(workerType, status string, count int) {
	if m.RegisteredWorkers == nil {
		return
	}

	m.RegisteredWorkers.WithLabelValues(workerType, status).Set(float64(count))
}

// RecordDispatchTimeout records a dispatch timeout
func (m *Metrics) RecordDispatchTimeout(workerType string) {
	if m.DispatchTimeoutsTotal == nil {
		return
	}

	m.DispatchTimeoutsTotal.WithLabelValues(workerType).Inc()
}

// RecordLoadShed records a call rejected at a worker's concurrency limit
func (m *Metrics) RecordLoadShed(workerType string) {
	if m.LoadShedTotal == nil {
		return
	}

	m.LoadShedTotal.WithLabelValues(workerType).Inc()
}

// UpdateEventsDropped updates the cumulative dropped-event gauge
func (m *Metrics) UpdateEventsDropped(total uint64) {
	if m.EventsDropped == nil {
		return
	}

	m.EventsDropped.Set(float64(total))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// SampleFunc reads point-in-time values from a component into gauges.
type SampleFunc func(m *Metrics)

// Collector periodically refreshes gauge metrics from registered sample
// functions.
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	samples  []SampleFunc
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(metrics *Metrics, interval time.Duration, samples ...SampleFunc) *Collector {
	return &Collector{
		metrics:  metrics,
		interval: interval,
		samples:  samples,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection; it blocks until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop stops metrics collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, sample := range c.samples {
		sample(c.metrics)
	}
}
