package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tutormesh/tutormesh/pkg/events"
	"github.com/tutormesh/tutormesh/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager manages alert generation and routing
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.RWMutex
	logger   *logging.Logger

	// Rate limiting
	rateMu        sync.Mutex
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// NewAlertManager creates a new alert manager
func NewAlertManager() *AlertManager {
	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logging.GetLogger(),
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     100, // 100 alerts per reset interval
		resetInterval: time.Hour,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	am.mutex.RLock()
	defer am.mutex.RUnlock()

	// Check rate limiting
	if !am.checkRateLimit(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	// Set timestamp if not provided
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	// Generate ID if not provided
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Source, alert.Timestamp.Unix())
	}

	am.logger.Info("Sending alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0

	for _, handler := range am.handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

func (am *AlertManager) checkRateLimit(source string) bool {
	am.rateMu.Lock()
	defer am.rateMu.Unlock()

	now := time.Now()

	// Reset counters if interval has passed
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler() *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.GetLogger(),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	// Add tags as fields
	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}

	// Add metadata as fields
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// AlertBridge subscribes to breaker and mode events on the bus and converts
// them into alerts. Worker breaker trips are warnings, global breaker trips
// and emergency mode are critical.
type AlertBridge struct {
	alertManager *AlertManager
	logger       *logging.Logger
}

// NewAlertBridge creates a bridge for the given alert manager
func NewAlertBridge(alertManager *AlertManager) *AlertBridge {
	return &AlertBridge{
		alertManager: alertManager,
		logger:       logging.GetLogger(),
	}
}

// ID returns the subscriber identifier
func (b *AlertBridge) ID() string {
	return "alert-bridge"
}

// Topics returns the event topics the bridge listens on
func (b *AlertBridge) Topics() []events.Topic {
	return []events.Topic{
		events.TopicBreakerStateChanged,
		events.TopicModeChanged,
	}
}

// OnEvent converts a bus event into an alert
func (b *AlertBridge) OnEvent(event *events.Event) error {
	switch payload := event.Payload.(type) {
	case events.BreakerStateChange:
		return b.handleBreakerChange(payload)
	case events.ModeChange:
		return b.handleModeChange(payload)
	default:
		return nil
	}
}

func (b *AlertBridge) handleBreakerChange(change events.BreakerStateChange) error {
	var severity AlertSeverity
	var title string

	switch {
	case change.To == StateOpen.String() && change.Global:
		severity = SeverityCritical
		title = "Global Circuit Breaker Opened"
	case change.To == StateOpen.String():
		severity = SeverityWarning
		title = "Worker Circuit Breaker Opened"
	case change.To == StateClosed.String():
		severity = SeverityInfo
		title = "Circuit Breaker Recovered"
	default:
		// Half-open trials are routine and not worth an alert.
		return nil
	}

	return b.alertManager.SendAlert(context.Background(), Alert{
		Severity:    severity,
		Title:       title,
		Description: fmt.Sprintf("Circuit breaker '%s' transitioned from %s to %s", change.Breaker, change.From, change.To),
		Source:      "breaker_registry",
		Tags: map[string]string{
			"breaker":    change.Breaker,
			"from_state": change.From,
			"to_state":   change.To,
			"global":     fmt.Sprintf("%t", change.Global),
		},
	})
}

func (b *AlertBridge) handleModeChange(change events.ModeChange) error {
	var severity AlertSeverity
	switch SystemMode(change.To) {
	case ModeEmergency:
		severity = SeverityCritical
	case ModeDegraded:
		severity = SeverityWarning
	default:
		severity = SeverityInfo
	}

	return b.alertManager.SendAlert(context.Background(), Alert{
		Severity:    severity,
		Title:       "System Mode Changed",
		Description: fmt.Sprintf("System mode changed from %s to %s: %s", change.From, change.To, change.Reason),
		Source:      "resilience_controller",
		Tags: map[string]string{
			"from_mode": change.From,
			"to_mode":   change.To,
		},
		Metadata: map[string]interface{}{
			"reason": change.Reason,
		},
	})
}
