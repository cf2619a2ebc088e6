// Package resilience provides circuit breaking, retry logic, fallback
// handling, and system mode management for the TutorMesh coordination core.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker pattern prevents cascading failures by monitoring the
// failure and slow call rates of worker calls and temporarily rejecting
// requests when either rate exceeds its threshold.
//
//	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("tutor-1"))
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return worker.Handle(ctx, msg)
//	})
//
// # Retry with Exponential Backoff
//
// The retry mechanism automatically retries failed operations with
// exponential backoff and jitter to avoid thundering herd problems. When
// every attempt fails the caller receives a RetryExhaustedError carrying the
// full per-attempt history.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig())
//	err := retrier.Execute(ctx, func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// # Breaker Registry
//
// The registry maintains one breaker per worker plus a global breaker that
// trips when more than half of the worker breakers are open, failing all
// calls fast until the fleet recovers.
//
//	registry := resilience.NewBreakerRegistry(resilience.DefaultBreakerRegistryConfig(), bus, metrics)
//	result, err := registry.ExecuteWorkerCall(ctx, workerID, workerType, operation)
//
// # Resilience Controller
//
// The controller composes the full stack: each call runs through the worker's
// breaker with retries, failures resolve to a degraded fallback answer when
// one is available, and a periodic evaluator moves the system between
// normal, degraded, and emergency modes with separate enter and exit
// thresholds so the mode cannot flap around a single boundary.
//
//	controller := resilience.NewController(config, registry, fallbackSource, healthSource, bus, metrics)
//	controller.Start(ctx)
//	defer controller.Close()
//
//	result := controller.ExecuteWithResilience(ctx, workerID, workerType, msg, operation)
//
// # Alerting
//
// The alerting system turns breaker transitions and mode changes into
// severity-ranked alerts with per-source rate limiting.
//
//	am := resilience.NewAlertManager()
//	am.AddHandler(resilience.NewLoggingAlertHandler())
//	bus.Subscribe(resilience.NewAlertBridge(am))
//
// The package is designed to be thread-safe and can handle high-concurrency
// scenarios typical in multi-worker coordination systems.
package resilience
