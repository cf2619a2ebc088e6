package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appErrors "github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/events"
	"github.com/tutormesh/tutormesh/pkg/types"
)

func testRegistryConfig() BreakerRegistryConfig {
	config := DefaultBreakerRegistryConfig()
	config.Defaults.ResetTimeout = time.Minute
	config.Retry.MaxAttempts = 3
	config.Retry.BaseDelay = time.Millisecond
	config.Retry.Jitter = false
	return config
}

func TestBreakerRegistry_ForWorker(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	cb := registry.ForWorker("worker-1")
	require.NotNil(t, cb)
	assert.Equal(t, "worker-1", cb.Name())

	// Same worker id returns the same breaker
	assert.Same(t, cb, registry.ForWorker("worker-1"))

	// Different worker ids get independent breakers
	other := registry.ForWorker("worker-2")
	assert.NotSame(t, cb, other)
	assert.Equal(t, "worker-2", other.Name())
}

func TestBreakerRegistry_WorkerOverride(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	// Override applies when the breaker is first created
	registry.SetWorkerConfig("fragile-worker", CircuitBreakerConfig{
		FailureThreshold:     2,
		FailureRateThreshold: 0.5,
	})

	cb := registry.ForWorker("fragile-worker")
	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTimeoutError("slow worker")
		})
	}
	assert.Equal(t, StateOpen, cb.State())

	// A worker without an override keeps the default threshold
	def := registry.ForWorker("sturdy-worker")
	for i := 0; i < 2; i++ {
		def.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, appErrors.NewTimeoutError("slow worker")
		})
	}
	assert.Equal(t, StateClosed, def.State())
}

func TestBreakerRegistry_ExecuteWorkerCall(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	result, err := registry.ExecuteWorkerCall(context.Background(), "worker-1", types.WorkerTypeTutor, func(ctx context.Context) (interface{}, error) {
		return "answer", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "answer", result)

	// The call created the worker's breaker
	health := registry.Health()
	assert.Equal(t, 1, health.Total)
	assert.Equal(t, 1, health.Healthy)
}

func TestBreakerRegistry_ExecuteWorkerCall_RetriesTransientFailures(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	attempts := 0
	result, err := registry.ExecuteWorkerCall(context.Background(), "worker-1", types.WorkerTypeTutor, func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, appErrors.NewTimeoutError("transient")
		}
		return "answer", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "answer", result)
	assert.Equal(t, 3, attempts)
}

func TestBreakerRegistry_ExecuteWorkerCall_Exhaustion(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	attempts := 0
	_, err := registry.ExecuteWorkerCall(context.Background(), "worker-1", types.WorkerTypeTutor, func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, appErrors.NewTimeoutError("persistent")
	})

	require.Error(t, err)
	assert.True(t, IsRetryExhausted(err))
	assert.Equal(t, 3, attempts)
}

func TestBreakerRegistry_GlobalGateFailsFast(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	registry.Global().ForceOpen()

	invoked := false
	_, err := registry.ExecuteWorkerCall(context.Background(), "worker-1", types.WorkerTypeTutor, func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "answer", nil
	})

	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.False(t, invoked)
	assert.Contains(t, err.Error(), GlobalBreakerName)
}

func TestBreakerRegistry_GlobalTripsOnOpenFraction(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	workers := []string{"worker-1", "worker-2", "worker-3", "worker-4"}
	for _, id := range workers {
		registry.ForWorker(id)
	}
	assert.Equal(t, StateClosed, registry.Global().State())

	// Three of four open breakers puts the open fraction at 0.75
	for _, id := range workers[:3] {
		registry.ForWorker(id).ForceOpen()
	}

	health := registry.Health()
	assert.Equal(t, 4, health.Total)
	assert.Equal(t, 1, health.Healthy)
	assert.Equal(t, 3, health.Failed)
	assert.InDelta(t, 0.75, health.OpenFraction, 0.001)
	assert.Equal(t, "OPEN", health.GlobalState)

	// Recovering the workers drops the fraction below the reset threshold
	for _, id := range workers[:3] {
		registry.ForWorker(id).Reset()
	}
	assert.Equal(t, StateClosed, registry.Global().State())
}

func TestBreakerRegistry_GlobalHoldsAtHalfFraction(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	registry.ForWorker("worker-1").ForceOpen()
	registry.ForWorker("worker-2")

	// Exactly half open does not trip the global breaker
	health := registry.Health()
	assert.InDelta(t, 0.5, health.OpenFraction, 0.001)
	assert.Equal(t, StateClosed, registry.Global().State())
}

func TestBreakerRegistry_RemoveWorker(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	registry.ForWorker("worker-1").ForceOpen()
	registry.ForWorker("worker-2").ForceOpen()
	registry.ForWorker("worker-3")
	require.Equal(t, StateOpen, registry.Global().State())

	// Removing the failed workers recomputes the global breaker
	registry.RemoveWorker("worker-1")
	registry.RemoveWorker("worker-2")

	health := registry.Health()
	assert.Equal(t, 1, health.Total)
	assert.Equal(t, "CLOSED", health.GlobalState)
}

func TestBreakerRegistry_HealthEmpty(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	health := registry.Health()
	assert.Equal(t, 0, health.Total)
	assert.Equal(t, 0.0, health.OpenFraction)
	assert.Equal(t, "CLOSED", health.GlobalState)
	assert.Empty(t, health.Workers)
}

func TestBreakerRegistry_Snapshots(t *testing.T) {
	registry := NewBreakerRegistry(testRegistryConfig(), nil, nil)

	registry.ForWorker("worker-b")
	registry.ForWorker("worker-a")

	snapshots := registry.Snapshots()
	require.Len(t, snapshots, 3)
	assert.Equal(t, GlobalBreakerName, snapshots[0].Name)
	assert.Equal(t, "worker-a", snapshots[1].Name)
	assert.Equal(t, "worker-b", snapshots[2].Name)
}

type captureSubscriber struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *captureSubscriber) ID() string { return "capture" }

func (c *captureSubscriber) Topics() []events.Topic { return nil }

func (c *captureSubscriber) OnEvent(event *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSubscriber) byTopic(topic events.Topic) []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []*events.Event
	for _, event := range c.events {
		if event.Topic == topic {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestBreakerRegistry_PublishesTransitions(t *testing.T) {
	bus := events.NewBus(64)
	capture := &captureSubscriber{}
	bus.Subscribe(capture)
	bus.Start()
	defer bus.Close()

	registry := NewBreakerRegistry(testRegistryConfig(), bus, nil)
	registry.ForWorker("worker-1").ForceOpen()

	require.Eventually(t, func() bool {
		return len(capture.byTopic(events.TopicBreakerStateChanged)) >= 2
	}, time.Second, 10*time.Millisecond)

	changes := capture.byTopic(events.TopicBreakerStateChanged)

	// Worker transition first, then the forced global transition
	first, ok := changes[0].Payload.(events.BreakerStateChange)
	require.True(t, ok)
	assert.Equal(t, "worker-1", first.Breaker)
	assert.Equal(t, "CLOSED", first.From)
	assert.Equal(t, "OPEN", first.To)
	assert.False(t, first.Global)

	second, ok := changes[1].Payload.(events.BreakerStateChange)
	require.True(t, ok)
	assert.Equal(t, GlobalBreakerName, second.Breaker)
	assert.Equal(t, "OPEN", second.To)
	assert.True(t, second.Global)
}
