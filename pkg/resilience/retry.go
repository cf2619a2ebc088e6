package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter inflates each delay by up to 25% to avoid thundering herd
	Jitter bool
	// RetryableErrors is a function that determines if an error is retryable
	RetryableErrors func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors determines if an error is retryable by default.
// Everything is retryable except breaker rejections and the error categories
// where a retry cannot change the outcome: validation, authentication,
// authorization, not-found, and conflict.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}

	if IsCircuitBreakerError(err) {
		return false
	}

	return errors.IsRetryable(err)
}

// RetryExhaustedError is returned when every attempt failed with a retryable
// error. It carries the full per-attempt error history.
type RetryExhaustedError struct {
	Attempts int
	Errors   []error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last())
}

// Last returns the error from the final attempt
func (e *RetryExhaustedError) Last() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

// Unwrap returns the error from the final attempt
func (e *RetryExhaustedError) Unwrap() error {
	return e.Last()
}

// IsRetryExhausted checks if an error is a retry exhaustion error
func IsRetryExhausted(err error) bool {
	var reErr *RetryExhaustedError
	return stderrors.As(err, &reErr)
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableErrors == nil {
		config.RetryableErrors = DefaultRetryableErrors
	}

	return &Retrier{
		config: config,
		logger: logging.GetLogger(),
	}
}

// Execute executes the given function with retry logic
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var attemptErrors []error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		// Check if context is cancelled
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"total_attempts", r.config.MaxAttempts,
				)
			}
			return nil
		}

		attemptErrors = append(attemptErrors, err)

		// Check if error is retryable
		if !r.config.RetryableErrors(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			return err
		}

		// Don't retry on the last attempt
		if attempt == r.config.MaxAttempts {
			break
		}

		// Calculate delay
		delay := r.calculateDelay(attempt)

		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
		)

		// Call retry callback if provided
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		// Wait before retry
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			// Continue to next attempt
		}
	}

	exhausted := &RetryExhaustedError{
		Attempts: len(attemptErrors),
		Errors:   attemptErrors,
	}

	r.logger.Error("Operation failed after all retry attempts",
		"error", exhausted.Last().Error(),
		"attempts", exhausted.Attempts,
	)

	return exhausted
}

// ExecuteWithResult executes the given function with retry logic and returns a result
func (r *Retrier) ExecuteWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := r.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, err
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	// Calculate exponential backoff delay
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))

	// Apply maximum delay limit
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	// Add jitter if enabled
	if r.config.Jitter {
		jitter := rand.Float64() * 0.25 * delay // up to +25%
		delay += jitter
	}

	return time.Duration(delay)
}

// RetryWithConfig is a convenience function to execute an operation with retry
func RetryWithConfig(ctx context.Context, config RetryConfig, operation func(context.Context) error) error {
	retrier := NewRetrier(config)
	return retrier.Execute(ctx, operation)
}

// Retry is a convenience function to execute an operation with default retry configuration
func Retry(ctx context.Context, operation func(context.Context) error) error {
	return RetryWithConfig(ctx, DefaultRetryConfig(), operation)
}

// RetryWithResult is a convenience function to execute an operation with result and default retry configuration
func RetryWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	retrier := NewRetrier(DefaultRetryConfig())
	return retrier.ExecuteWithResult(ctx, operation)
}

// RetryableOperation wraps an operation with both circuit breaker and retry logic
type RetryableOperation struct {
	circuitBreaker *CircuitBreaker
	retrier        *Retrier
	logger         *logging.Logger
}

// NewRetryableOperation creates a new retryable operation with circuit breaker and retry logic
func NewRetryableOperation(name string, cbConfig CircuitBreakerConfig, retryConfig RetryConfig) *RetryableOperation {
	if cbConfig.Name == "" {
		cbConfig.Name = name
	}

	return &RetryableOperation{
		circuitBreaker: NewCircuitBreaker(cbConfig),
		retrier:        NewRetrier(retryConfig),
		logger:         logging.GetLogger(),
	}
}

// Execute executes an operation with both circuit breaker and retry logic.
// Each retried attempt is breaker-protected, so a breaker that trips mid-way
// stops the remaining attempts.
func (ro *RetryableOperation) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	return ro.retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return ro.circuitBreaker.Execute(ctx, operation)
	})
}

// ExecuteVoid executes an operation that doesn't return a result
func (ro *RetryableOperation) ExecuteVoid(ctx context.Context, operation func(context.Context) error) error {
	_, err := ro.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}

// State returns the current state of the circuit breaker
func (ro *RetryableOperation) State() CircuitState {
	return ro.circuitBreaker.State()
}

// Counts returns the current counts of the circuit breaker
func (ro *RetryableOperation) Counts() Counts {
	return ro.circuitBreaker.Counts()
}
