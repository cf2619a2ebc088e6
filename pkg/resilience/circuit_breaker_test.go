package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_DefaultBehavior(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test-cb"))

	// Initially closed
	assert.Equal(t, StateClosed, cb.State())

	// Successful requests should keep it closed
	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return "success", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "success", result)
		assert.Equal(t, StateClosed, cb.State())
	}
}

func TestCircuitBreaker_TripsOnFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         time.Minute,
		HalfOpenMaxCalls:     2,
	})

	// Generate enough failures to trip the circuit breaker
	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
		require.Error(t, err)
	}

	// Circuit breaker should be open now
	assert.Equal(t, StateOpen, cb.State())

	// Requests should be rejected without invoking the operation
	invoked := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.False(t, invoked)
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestCircuitBreaker_BelowThresholdStaysClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         time.Minute,
		HalfOpenMaxCalls:     2,
	})

	// Four failures are below the minimum call volume
	for i := 0; i < 4; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenState(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         50 * time.Millisecond,
		HalfOpenMaxCalls:     2,
	})

	// Trip the circuit breaker
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}
	assert.Equal(t, StateOpen, cb.State())

	// Wait for timeout
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// First trial success keeps it half-open
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "success", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second successful trial closes the circuit
	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "success", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         50 * time.Millisecond,
		HalfOpenMaxCalls:     2,
	})

	// Trip the circuit breaker
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}
	assert.Equal(t, StateOpen, cb.State())

	// Wait for timeout
	time.Sleep(60 * time.Millisecond)

	// Fail in half-open state should open the circuit again
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("test error")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenQuota(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         50 * time.Millisecond,
		HalfOpenMaxCalls:     2,
	})

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	// Occupy both trial slots with in-flight calls
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
				started <- struct{}{}
				<-release
				return "success", nil
			})
		}()
	}
	<-started
	<-started

	// A third concurrent trial call is rejected
	invoked := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.False(t, invoked)

	// Both trials succeeding closes the breaker
	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_TripsOnSlowCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                  "test-cb",
		FailureThreshold:      4,
		FailureRateThreshold:  0.5,
		SlowCallThreshold:     10 * time.Millisecond,
		SlowCallRateThreshold: 0.5,
		ResetTimeout:          time.Minute,
		HalfOpenMaxCalls:      2,
	})

	// Slow but successful calls still count against the breaker
	for i := 0; i < 4; i++ {
		result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			time.Sleep(15 * time.Millisecond)
			return "slow success", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "slow success", result)
	}

	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
}

func TestCircuitBreaker_ForceOpenAndReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         20 * time.Millisecond,
		HalfOpenMaxCalls:     2,
	})

	cb.ForceOpen()
	assert.Equal(t, StateOpen, cb.State())

	// A forced-open breaker does not half-open after the reset timeout
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))

	// Reset restores normal operation
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "success", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result)
}

func TestCircuitBreaker_CustomReadyToTrip(t *testing.T) {
	tripped := false
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 2,
		ReadyToTrip: func(counts Counts) bool {
			// Trip after 2 consecutive failures
			return counts.ConsecutiveFailures >= 2
		},
		OnStateChange: func(name string, from CircuitState, to CircuitState) {
			if to == StateOpen {
				tripped = true
			}
		},
	})

	// First failure
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("test error")
	})
	assert.Equal(t, StateClosed, cb.State())
	assert.False(t, tripped)

	// Second failure should trip
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("test error")
	})
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, tripped)
}

func TestCircuitBreaker_Counts(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test-cb"))

	// Execute some requests
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "success", nil
	})
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("error")
	})
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "success", nil
	})

	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveSuccesses)
	assert.Equal(t, uint32(0), counts.ConsecutiveFailures)
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         time.Minute,
		HalfOpenMaxCalls:     2,
	})

	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "success", nil
	})
	cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("error")
	})

	m := cb.Metrics()
	assert.Equal(t, "test-cb", m.Name)
	assert.Equal(t, "CLOSED", m.State)
	assert.Equal(t, uint32(2), m.TotalCalls)
	assert.Equal(t, uint32(1), m.TotalFailures)
	assert.InDelta(t, 0.5, m.FailureRate, 0.001)
	assert.Nil(t, m.NextRetryAt)

	// Trip the breaker and check the retry hint
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("error")
		})
	}

	m = cb.Metrics()
	assert.Equal(t, "OPEN", m.State)
	require.NotNil(t, m.NextRetryAt)
	assert.True(t, m.NextRetryAt.After(time.Now()))
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	var cb *CircuitBreaker
	cb = NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         time.Minute,
		HalfOpenMaxCalls:     2,
		OnStateChange: func(name string, from CircuitState, to CircuitState) {
			// The callback runs outside the breaker lock, so reading the
			// breaker from here must not deadlock
			_ = cb.State()
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}

func TestCircuitBreaker_Panic(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test-cb"))

	// Test that panics are properly handled
	assert.Panics(t, func() {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			panic("test panic")
		})
	})

	// Circuit breaker should record this as a failure
	counts := cb.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(0), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test-cb"))

	// Test the Call convenience method
	result, err := cb.Call(func() (interface{}, error) {
		return "success", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result)

	// Test Call with error
	_, err = cb.Call(func() (interface{}, error) {
		return nil, errors.New("test error")
	})
	require.Error(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestIsCircuitBreakerError(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                 "test-cb",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		ResetTimeout:         time.Minute,
		HalfOpenMaxCalls:     1,
	})

	// Trip the circuit breaker
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("test error")
		})
	}

	// The rejection error is recognizable
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.Contains(t, err.Error(), "circuit breaker")

	// Non-circuit breaker errors are not
	regularErr := errors.New("regular error")
	assert.False(t, IsCircuitBreakerError(regularErr))
	assert.False(t, IsCircuitBreakerError(nil))
}
