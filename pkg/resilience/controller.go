package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/events"
	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// SystemMode is the coarse operating mode of the whole system
type SystemMode string

const (
	// ModeNormal - full functionality
	ModeNormal SystemMode = "normal"
	// ModeDegraded - reduced functionality, fallbacks preferred
	ModeDegraded SystemMode = "degraded"
	// ModeEmergency - minimal functionality, most calls fail fast
	ModeEmergency SystemMode = "emergency"
)

// IsValid reports whether the mode is one of the known set
func (m SystemMode) IsValid() bool {
	switch m {
	case ModeNormal, ModeDegraded, ModeEmergency:
		return true
	}
	return false
}

const (
	modeEventDegrade   = "degrade"
	modeEventEscalate  = "escalate"
	modeEventStabilize = "stabilize"
	modeEventRecover   = "recover"
)

// FallbackAnswer is a degraded answer produced by a fallback source
type FallbackAnswer struct {
	Content string `json:"content"`
	Tier    string `json:"tier"`
}

// FallbackSource produces degraded answers when the primary path fails.
// GetFallback returns nil when no answer can be produced for the message.
type FallbackSource interface {
	GetFallback(ctx context.Context, msg *types.Message, workerType types.WorkerType) *FallbackAnswer
	CacheResponse(ctx context.Context, msg *types.Message, workerType types.WorkerType, content string)
}

// HealthSource supplies the external health summary consumed by the mode
// evaluator. Expected values: healthy, degraded, unhealthy, unknown.
type HealthSource interface {
	OverallStatus() string
}

// Result is the outcome of a resilience-wrapped worker invocation. Exactly
// one of three shapes: a primary success (Value set), a degraded answer
// (Degraded true, Fallback set), or a failure (Err and UserMessage set).
type Result struct {
	Value       interface{}
	Degraded    bool
	Fallback    *FallbackAnswer
	Err         error
	UserMessage string
}

// Success reports whether the result carries an answer, primary or degraded
func (r Result) Success() bool {
	return r.Err == nil
}

// ControllerConfig tunes the mode evaluator
type ControllerConfig struct {
	// EvalInterval is the period of the mode evaluation loop
	EvalInterval time.Duration
	// EmergencyOpenFraction enters emergency above this breaker-open fraction
	EmergencyOpenFraction float64
	// DegradedOpenFraction enters degraded above this breaker-open fraction
	DegradedOpenFraction float64
	// RecoveryOpenFraction must be undercut before returning to normal
	RecoveryOpenFraction float64
	// RecoveryErrorRate must be undercut before returning to normal
	RecoveryErrorRate float64
}

// DefaultControllerConfig returns the standard evaluator thresholds
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		EvalInterval:          15 * time.Second,
		EmergencyOpenFraction: 0.8,
		DegradedOpenFraction:  0.5,
		RecoveryOpenFraction:  0.1,
		RecoveryErrorRate:     0.05,
	}
}

// Controller wraps worker invocations with the full resilience stack and
// maintains the system mode. Mode transitions go through a state machine with
// separate enter and exit thresholds so the mode cannot oscillate around a
// single boundary.
type Controller struct {
	registry *BreakerRegistry
	fallback FallbackSource
	health   HealthSource
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *logging.Logger
	config   ControllerConfig

	machine   *fsm.FSM
	machineMu sync.Mutex

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewController creates a controller. The fallback source, health source, bus
// and metrics may be nil.
func NewController(config ControllerConfig, registry *BreakerRegistry, fallback FallbackSource, health HealthSource, bus *events.Bus, m *metrics.Metrics) *Controller {
	if config.EvalInterval <= 0 {
		config.EvalInterval = 15 * time.Second
	}
	if config.EmergencyOpenFraction <= 0 {
		config.EmergencyOpenFraction = 0.8
	}
	if config.DegradedOpenFraction <= 0 {
		config.DegradedOpenFraction = 0.5
	}
	if config.RecoveryOpenFraction <= 0 {
		config.RecoveryOpenFraction = 0.1
	}
	if config.RecoveryErrorRate <= 0 {
		config.RecoveryErrorRate = 0.05
	}

	c := &Controller{
		registry: registry,
		fallback: fallback,
		health:   health,
		bus:      bus,
		metrics:  m,
		logger:   logging.GetLogger(),
		config:   config,
		stopChan: make(chan struct{}),
	}

	c.machine = fsm.NewFSM(
		string(ModeNormal),
		fsm.Events{
			{Name: modeEventDegrade, Src: []string{string(ModeNormal)}, Dst: string(ModeDegraded)},
			{Name: modeEventEscalate, Src: []string{string(ModeNormal), string(ModeDegraded)}, Dst: string(ModeEmergency)},
			{Name: modeEventStabilize, Src: []string{string(ModeEmergency)}, Dst: string(ModeDegraded)},
			{Name: modeEventRecover, Src: []string{string(ModeDegraded)}, Dst: string(ModeNormal)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				reason := ""
				if len(e.Args) > 0 {
					if s, ok := e.Args[0].(string); ok {
						reason = s
					}
				}
				c.reportModeChange(SystemMode(e.Src), SystemMode(e.Dst), reason)
			},
		},
	)

	return c
}

// Start launches the periodic mode evaluation loop
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.wg.Add(1)
	go c.evaluationLoop(ctx)

	c.logger.Info("Resilience controller started",
		"eval_interval", c.config.EvalInterval,
	)
}

// Close stops the mode evaluation loop
func (c *Controller) Close() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return
	}

	close(c.stopChan)
	c.wg.Wait()
	c.running = false
	c.logger.Info("Resilience controller stopped")
}

// Mode returns the current system mode
func (c *Controller) Mode() SystemMode {
	c.machineMu.Lock()
	defer c.machineMu.Unlock()
	return SystemMode(c.machine.Current())
}

// OverrideMode forces the system mode. This is the only sanctioned direct-set
// path; the evaluator resumes automatic stepping on its next tick.
func (c *Controller) OverrideMode(mode SystemMode, reason string) error {
	if !mode.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown system mode: %s", mode))
	}

	c.machineMu.Lock()
	from := SystemMode(c.machine.Current())
	if from == mode {
		c.machineMu.Unlock()
		return nil
	}
	c.machine.SetState(string(mode))
	c.machineMu.Unlock()

	if reason == "" {
		reason = "manual override"
	}
	c.reportModeChange(from, mode, reason)
	return nil
}

// ExecuteWorkerCall runs an operation with breaker and retry protection but
// without the fallback chain
func (c *Controller) ExecuteWorkerCall(ctx context.Context, workerID string, workerType types.WorkerType, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	value, err := c.registry.ExecuteWorkerCall(ctx, workerID, workerType, operation)
	duration := time.Since(start)

	status := "success"
	errText := ""
	if err != nil {
		status = "error"
		errText = err.Error()
	}

	if c.metrics != nil {
		c.metrics.RecordWorkerCall(workerType.String(), status, duration)
	}
	if c.bus != nil {
		c.bus.Publish(events.TopicCallCompleted, events.CallCompletion{
			WorkerID:   workerID,
			WorkerType: workerType.String(),
			Success:    err == nil,
			Duration:   duration,
			Error:      errText,
		})
	}

	return value, err
}

// ExecuteWithResilience runs an operation with the full stack: breaker,
// retry, fallback, and error translation. Breaker-open and retry-exhausted
// failures resolve to a degraded answer when the fallback source produces
// one; validation and auth failures surface immediately.
func (c *Controller) ExecuteWithResilience(ctx context.Context, workerID string, workerType types.WorkerType, msg *types.Message, operation func(context.Context) (interface{}, error)) Result {
	value, err := c.ExecuteWorkerCall(ctx, workerID, workerType, operation)
	if err == nil {
		return Result{Value: value}
	}

	if c.shouldFallback(ctx, err) {
		if answer := c.GetFallback(ctx, msg, workerType); answer != nil {
			c.logger.Info("Serving fallback answer",
				"worker_id", workerID,
				"worker_type", workerType.String(),
				"tier", answer.Tier,
				"cause", err.Error(),
			)
			return Result{Degraded: true, Fallback: answer}
		}
	}

	return Result{Err: err, UserMessage: c.translateError(err, workerType)}
}

// GetFallback walks the fallback chain for the message. Returns nil when no
// source is configured or the source produces nothing.
func (c *Controller) GetFallback(ctx context.Context, msg *types.Message, workerType types.WorkerType) *FallbackAnswer {
	if c.fallback == nil || msg == nil {
		return nil
	}

	answer := c.fallback.GetFallback(ctx, msg, workerType)
	if answer == nil {
		return nil
	}

	if c.metrics != nil {
		c.metrics.RecordFallback(workerType.String(), answer.Tier)
	}
	if c.bus != nil {
		c.bus.Publish(events.TopicCallCompleted, events.CallCompletion{
			WorkerType: workerType.String(),
			Success:    true,
			Fallback:   answer.Tier,
		})
	}
	return answer
}

// CacheResponse records a successful primary response for future fallback use
func (c *Controller) CacheResponse(ctx context.Context, msg *types.Message, workerType types.WorkerType, content string) {
	if c.fallback == nil || msg == nil || content == "" {
		return
	}
	c.fallback.CacheResponse(ctx, msg, workerType, content)
}

// shouldFallback decides whether a failure is eligible for the fallback
// chain. Rejected and exhausted calls are; non-transient conditions and
// cancelled contexts are not.
func (c *Controller) shouldFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return IsCircuitBreakerError(err) || IsRetryExhausted(err)
}

// translateError converts an internal failure into a user-facing message
func (c *Controller) translateError(err error, workerType types.WorkerType) string {
	switch {
	case IsCircuitBreakerError(err):
		return fmt.Sprintf("The %s service is temporarily unavailable. Please try again in a moment.", workerType)
	case IsRetryExhausted(err):
		return fmt.Sprintf("The %s service did not respond after several attempts. Please try again later.", workerType)
	}

	switch errors.GetType(err) {
	case errors.ErrorTypeTimeout:
		return fmt.Sprintf("The %s service took too long to respond.", workerType)
	case errors.ErrorTypeValidation:
		return "Your request could not be processed. Please rephrase and try again."
	case errors.ErrorTypeAuthentication, errors.ErrorTypeAuthorization:
		return "You are not authorized to perform this action."
	case errors.ErrorTypeNotFound:
		return fmt.Sprintf("No %s service is available right now.", workerType)
	case errors.ErrorTypeRateLimit:
		return fmt.Sprintf("The %s service is at capacity. Please try again shortly.", workerType)
	default:
		return "Something went wrong while processing your request. Please try again."
	}
}

func (c *Controller) evaluationLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evaluateMode(ctx)
		}
	}
}

// evaluateMode recomputes the target mode and steps the machine at most one
// transition toward it. Inside the hysteresis band the current mode holds.
func (c *Controller) evaluateMode(ctx context.Context) {
	c.registry.Recompute()

	health := c.registry.Health()
	globalOpen := c.registry.Global().State() == StateOpen

	external := "unknown"
	if c.health != nil {
		external = c.health.OverallStatus()
	}

	var target SystemMode
	switch {
	case health.OpenFraction > c.config.EmergencyOpenFraction || external == "unhealthy" || globalOpen:
		target = ModeEmergency
	case health.OpenFraction > c.config.DegradedOpenFraction || external == "degraded":
		target = ModeDegraded
	case health.OpenFraction < c.config.RecoveryOpenFraction && health.ErrorRate < c.config.RecoveryErrorRate:
		target = ModeNormal
	default:
		// Between the enter and exit thresholds the current mode holds.
		return
	}

	reason := fmt.Sprintf("open_fraction=%.2f error_rate=%.2f external=%s global_open=%t",
		health.OpenFraction, health.ErrorRate, external, globalOpen)

	c.stepToward(ctx, target, reason)
}

// stepToward advances the mode machine one transition toward the target
func (c *Controller) stepToward(ctx context.Context, target SystemMode, reason string) {
	c.machineMu.Lock()
	defer c.machineMu.Unlock()

	current := SystemMode(c.machine.Current())
	if current == target {
		return
	}

	var event string
	switch {
	case target == ModeEmergency:
		event = modeEventEscalate
	case current == ModeEmergency:
		event = modeEventStabilize
	case current == ModeNormal && target == ModeDegraded:
		event = modeEventDegrade
	case current == ModeDegraded && target == ModeNormal:
		event = modeEventRecover
	default:
		return
	}

	if err := c.machine.Event(ctx, event, reason); err != nil {
		c.logger.Error("Mode transition failed",
			"event", event,
			"current", string(current),
			"target", string(target),
			"error", err,
		)
	}
}

// reportModeChange publishes a committed mode change to every sink
func (c *Controller) reportModeChange(from, to SystemMode, reason string) {
	c.logger.Warn("System mode changed",
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)

	if c.metrics != nil {
		c.metrics.SetSystemMode(modeGaugeValue(to))
		c.metrics.RecordModeTransition(string(from), string(to))
	}
	if c.bus != nil {
		c.bus.Publish(events.TopicModeChanged, events.ModeChange{
			From:   string(from),
			To:     string(to),
			Reason: reason,
		})
	}
}

// modeGaugeValue maps system modes onto the prometheus gauge encoding
func modeGaugeValue(mode SystemMode) int {
	switch mode {
	case ModeNormal:
		return 0
	case ModeDegraded:
		return 1
	case ModeEmergency:
		return 2
	default:
		return 0
	}
}
