package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tutormesh/tutormesh/pkg/events"
)

// Mock alert handler for testing
type mockAlertHandler struct {
	name   string
	fail   bool
	mu     sync.Mutex
	alerts []Alert
}

func (m *mockAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	if m.fail {
		return errors.New("handler failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *mockAlertHandler) Name() string {
	return m.name
}

func (m *mockAlertHandler) snapshot() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

func (m *mockAlertHandler) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}

func TestAlertManager_AddHandler(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}

	am.AddHandler(handler)

	assert.Len(t, am.handlers, 1)
	assert.Equal(t, "test-handler", am.handlers[0].Name())
}

func TestAlertManager_SendAlert(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	alert := Alert{
		Severity:    SeverityError,
		Title:       "Test Alert",
		Description: "Test description",
		Source:      "test-source",
		Tags: map[string]string{
			"component": "test",
		},
		Metadata: map[string]interface{}{
			"key": "value",
		},
	}

	err := am.SendAlert(context.Background(), alert)
	require.NoError(t, err)

	alerts := handler.snapshot()
	require.Len(t, alerts, 1)
	receivedAlert := alerts[0]
	assert.Equal(t, SeverityError, receivedAlert.Severity)
	assert.Equal(t, "Test Alert", receivedAlert.Title)
	assert.Equal(t, "Test description", receivedAlert.Description)
	assert.Equal(t, "test-source", receivedAlert.Source)
	assert.NotEmpty(t, receivedAlert.ID)
	assert.False(t, receivedAlert.Timestamp.IsZero())
}

func TestAlertManager_SendAlert_HandlerFailure(t *testing.T) {
	am := NewAlertManager()

	successHandler := &mockAlertHandler{name: "success-handler"}
	failHandler := &mockAlertHandler{name: "fail-handler", fail: true}

	am.AddHandler(successHandler)
	am.AddHandler(failHandler)

	alert := Alert{
		Severity: SeverityError,
		Title:    "Test Alert",
		Source:   "test-source",
	}

	err := am.SendAlert(context.Background(), alert)
	require.NoError(t, err) // Should succeed because one handler succeeded

	assert.Len(t, successHandler.snapshot(), 1)
	assert.Len(t, failHandler.snapshot(), 0)
}

func TestAlertManager_SendAlert_AllHandlersFail(t *testing.T) {
	am := NewAlertManager()

	failHandler1 := &mockAlertHandler{name: "fail-handler-1", fail: true}
	failHandler2 := &mockAlertHandler{name: "fail-handler-2", fail: true}

	am.AddHandler(failHandler1)
	am.AddHandler(failHandler2)

	alert := Alert{
		Severity: SeverityError,
		Title:    "Test Alert",
		Source:   "test-source",
	}

	err := am.SendAlert(context.Background(), alert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all alert handlers failed")
}

func TestAlertManager_RateLimit(t *testing.T) {
	am := NewAlertManager()
	am.rateLimit = 2 // Set low rate limit for testing

	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	alert := Alert{
		Severity: SeverityError,
		Title:    "Test Alert",
		Source:   "test-source",
	}

	// First two alerts should succeed
	err := am.SendAlert(context.Background(), alert)
	require.NoError(t, err)

	err = am.SendAlert(context.Background(), alert)
	require.NoError(t, err)

	// Third alert should be rate limited
	err = am.SendAlert(context.Background(), alert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")

	assert.Len(t, handler.snapshot(), 2)
}

func TestLoggingAlertHandler(t *testing.T) {
	handler := NewLoggingAlertHandler()

	alert := Alert{
		ID:          "test-alert-1",
		Severity:    SeverityWarning,
		Title:       "Test Alert",
		Description: "Test description",
		Source:      "test-source",
		Tags: map[string]string{
			"component": "test",
		},
		Metadata: map[string]interface{}{
			"key": "value",
		},
		Timestamp: time.Now(),
	}

	err := handler.HandleAlert(context.Background(), alert)
	require.NoError(t, err)

	assert.Equal(t, "logging", handler.Name())
}

func TestAlertBridge_WorkerBreakerOpened(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	bridge := NewAlertBridge(am)

	err := bridge.OnEvent(&events.Event{
		Topic: events.TopicBreakerStateChanged,
		Payload: events.BreakerStateChange{
			Breaker: "worker-1",
			From:    "CLOSED",
			To:      "OPEN",
		},
	})
	require.NoError(t, err)

	alerts := handler.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "Worker Circuit Breaker Opened", alerts[0].Title)
	assert.Equal(t, "breaker_registry", alerts[0].Source)
	assert.Equal(t, "worker-1", alerts[0].Tags["breaker"])
}

func TestAlertBridge_GlobalBreakerOpened(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	bridge := NewAlertBridge(am)

	err := bridge.OnEvent(&events.Event{
		Topic: events.TopicBreakerStateChanged,
		Payload: events.BreakerStateChange{
			Breaker: GlobalBreakerName,
			From:    "CLOSED",
			To:      "OPEN",
			Global:  true,
		},
	})
	require.NoError(t, err)

	alerts := handler.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "Global Circuit Breaker Opened", alerts[0].Title)
}

func TestAlertBridge_BreakerRecovered(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	bridge := NewAlertBridge(am)

	err := bridge.OnEvent(&events.Event{
		Topic: events.TopicBreakerStateChanged,
		Payload: events.BreakerStateChange{
			Breaker: "worker-1",
			From:    "HALF_OPEN",
			To:      "CLOSED",
		},
	})
	require.NoError(t, err)

	alerts := handler.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityInfo, alerts[0].Severity)
	assert.Equal(t, "Circuit Breaker Recovered", alerts[0].Title)
}

func TestAlertBridge_HalfOpenIsSilent(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	bridge := NewAlertBridge(am)

	err := bridge.OnEvent(&events.Event{
		Topic: events.TopicBreakerStateChanged,
		Payload: events.BreakerStateChange{
			Breaker: "worker-1",
			From:    "OPEN",
			To:      "HALF_OPEN",
		},
	})
	require.NoError(t, err)
	assert.Len(t, handler.snapshot(), 0)
}

func TestAlertBridge_ModeChanges(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	bridge := NewAlertBridge(am)

	tests := []struct {
		to       string
		severity AlertSeverity
	}{
		{"emergency", SeverityCritical},
		{"degraded", SeverityWarning},
		{"normal", SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.to, func(t *testing.T) {
			handler.reset()

			err := bridge.OnEvent(&events.Event{
				Topic: events.TopicModeChanged,
				Payload: events.ModeChange{
					From:   "normal",
					To:     tt.to,
					Reason: "test",
				},
			})
			require.NoError(t, err)

			alerts := handler.snapshot()
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.severity, alerts[0].Severity)
			assert.Equal(t, "System Mode Changed", alerts[0].Title)
			assert.Equal(t, "resilience_controller", alerts[0].Source)
		})
	}
}

func TestAlertBridge_IgnoresUnknownPayloads(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	bridge := NewAlertBridge(am)

	err := bridge.OnEvent(&events.Event{
		Topic:   events.TopicCallCompleted,
		Payload: "not a known payload",
	})
	require.NoError(t, err)
	assert.Len(t, handler.snapshot(), 0)
}

func TestAlertBridge_OnBus(t *testing.T) {
	am := NewAlertManager()
	handler := &mockAlertHandler{name: "test-handler"}
	am.AddHandler(handler)

	bus := events.NewBus(64)
	bus.Subscribe(NewAlertBridge(am))
	bus.Start()
	defer bus.Close()

	registry := NewBreakerRegistry(testRegistryConfig(), bus, nil)
	registry.ForWorker("worker-1").ForceOpen()

	// The worker trip and the resulting global trip both raise alerts
	require.Eventually(t, func() bool {
		return len(handler.snapshot()) >= 2
	}, time.Second, 10*time.Millisecond)

	alerts := handler.snapshot()
	assert.Equal(t, "Worker Circuit Breaker Opened", alerts[0].Title)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "Global Circuit Breaker Opened", alerts[1].Title)
	assert.Equal(t, SeverityCritical, alerts[1].Severity)
}

func TestAlertSeverity_String(t *testing.T) {
	tests := []struct {
		severity AlertSeverity
		expected string
	}{
		{SeverityInfo, "INFO"},
		{SeverityWarning, "WARNING"},
		{SeverityError, "ERROR"},
		{SeverityCritical, "CRITICAL"},
		{AlertSeverity(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.severity.String())
		})
	}
}
