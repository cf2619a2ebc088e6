package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a single health check result
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service runs registered checkers and aggregates their results. It also
// serves as the external health source for the resilience mode evaluator.
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration
	mutex    sync.RWMutex
}

var _ resilience.HealthSource = (*Service)(nil)

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
		timeout:  config.Timeout,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs all checks concurrently. The overall status is the worst
// individual status; with no checkers registered it is unknown.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy
	if len(checkers) == 0 {
		overallStatus = StatusUnknown
	}

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// OverallStatus runs the registered checks and reduces them to one of
// healthy, degraded, unhealthy or unknown for the mode evaluator.
func (s *Service) OverallStatus() string {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return string(s.CheckHealth(ctx).Status)
}

// Handler returns a Gin handler for the full health report
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*s.timeout)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// WorkerSource exposes the worker counts the registry checker reads
type WorkerSource interface {
	WorkerCounts() (total, available int)
}

// WorkerRegistryChecker reports on the pool of registered workers
type WorkerRegistryChecker struct {
	source WorkerSource
	name   string
}

// NewWorkerRegistryChecker creates a worker pool health checker
func NewWorkerRegistryChecker(source WorkerSource, name string) *WorkerRegistryChecker {
	return &WorkerRegistryChecker{
		source: source,
		name:   name,
	}
}

// Check reports unhealthy when no worker can take a dispatch
func (wc *WorkerRegistryChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      wc.name,
		Timestamp: start,
	}

	if wc.source == nil {
		check.Status = StatusUnknown
		check.Message = "no worker registry configured"
		check.Duration = time.Since(start)
		return check
	}

	total, available := wc.source.WorkerCounts()
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"total":     fmt.Sprintf("%d", total),
		"available": fmt.Sprintf("%d", available),
	}

	switch {
	case total == 0:
		check.Status = StatusUnhealthy
		check.Message = "no workers registered"
	case available == 0:
		check.Status = StatusUnhealthy
		check.Message = "workers registered but none available"
	case available < total:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d workers available", available, total)
	default:
		check.Status = StatusHealthy
		check.Message = "all workers available"
	}

	return check
}

// BreakerChecker reports on the circuit breaker population
type BreakerChecker struct {
	registry *resilience.BreakerRegistry
	name     string
}

// NewBreakerChecker creates a circuit breaker health checker
func NewBreakerChecker(registry *resilience.BreakerRegistry, name string) *BreakerChecker {
	return &BreakerChecker{
		registry: registry,
		name:     name,
	}
}

// Check reports unhealthy while the global breaker is open and degraded
// while any worker breaker is open or half-open
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Timestamp: start,
	}

	if bc.registry == nil {
		check.Status = StatusUnhealthy
		check.Error = "breaker registry is nil"
		check.Duration = time.Since(start)
		return check
	}

	health := bc.registry.Health()
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"total":         fmt.Sprintf("%d", health.Total),
		"open":          fmt.Sprintf("%d", health.Failed),
		"half_open":     fmt.Sprintf("%d", health.Degraded),
		"open_fraction": fmt.Sprintf("%.2f", health.OpenFraction),
		"error_rate":    fmt.Sprintf("%.2f", health.ErrorRate),
		"global_state":  health.GlobalState,
	}

	switch {
	case health.GlobalState == resilience.StateOpen.String():
		check.Status = StatusUnhealthy
		check.Message = "global circuit breaker is open"
	case health.Failed > 0 || health.Degraded > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d open and %d half-open worker breakers", health.Failed, health.Degraded)
	default:
		check.Status = StatusHealthy
		check.Message = "all circuit breakers closed"
	}

	return check
}

// RedisChecker checks Redis connectivity for the event relay
type RedisChecker struct {
	client *redis.Client
	name   string
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(client *redis.Client, name string) *RedisChecker {
	return &RedisChecker{
		client: client,
		name:   name,
	}
}

// Check performs a Redis ping
func (rc *RedisChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if rc.client == nil {
		check.Status = StatusUnhealthy
		check.Error = "redis client is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := rc.client.Ping(ctx).Err(); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := rc.client.PoolStats()
	check.Status = StatusHealthy
	check.Message = "redis is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"total_connections": fmt.Sprintf("%d", stats.TotalConns),
		"idle_connections":  fmt.Sprintf("%d", stats.IdleConns),
		"stale_connections": fmt.Sprintf("%d", stats.StaleConns),
	}

	return check
}

// HTTPChecker checks HTTP endpoint health
type HTTPChecker struct {
	url    string
	name   string
	client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url, name string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		url:  url,
		name: name,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check performs an HTTP GET against the configured endpoint
func (hc *HTTPChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      hc.name,
		Timestamp: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.url, nil)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("failed to create request: %v", err)
		check.Duration = time.Since(start)
		return check
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("request failed: %v", err)
		check.Duration = time.Since(start)
		return check
	}
	defer resp.Body.Close()

	check.Duration = time.Since(start)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		check.Status = StatusHealthy
		check.Message = "endpoint is healthy"
	case resp.StatusCode >= 500:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	default:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}

	check.Metadata = map[string]string{
		"status_code":   fmt.Sprintf("%d", resp.StatusCode),
		"response_time": check.Duration.String(),
	}

	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check runs the custom check function
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
