package coordination

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/events"
	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
	"github.com/tutormesh/tutormesh/pkg/resilience"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// coordinatorSource is the From field on envelopes the coordinator sends
const coordinatorSource = "coordinator"

// Coordinator resolves inbound messages end to end: it plans the matching
// routing rules, picks workers, dispatches through the resilience stack, and
// aggregates the replies.
type Coordinator struct {
	registry   *Registry
	dispatcher *Dispatcher
	router     *Router
	controller *resilience.Controller
	breakers   *resilience.BreakerRegistry
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewCoordinator creates a coordinator. The bus and metrics may be nil.
func NewCoordinator(registry *Registry, dispatcher *Dispatcher, router *Router, controller *resilience.Controller, breakers *resilience.BreakerRegistry, bus *events.Bus, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		registry:   registry,
		dispatcher: dispatcher,
		router:     router,
		controller: controller,
		breakers:   breakers,
		bus:        bus,
		metrics:    m,
		logger:     logging.GetLogger(),
	}
}

// RegisterWorker adds a worker to the registry and installs its dispatch
// handler
func (c *Coordinator) RegisterWorker(descriptor types.WorkerDescriptor, handler Handler) error {
	if err := c.registry.Register(descriptor); err != nil {
		return err
	}
	if handler != nil {
		c.dispatcher.RegisterHandler(descriptor.ID, handler)
	}
	return nil
}

// UnregisterWorker removes a worker, its dispatch handler, and its circuit
// breaker
func (c *Coordinator) UnregisterWorker(workerID string) error {
	if err := c.registry.Unregister(workerID); err != nil {
		return err
	}
	c.dispatcher.UnregisterHandler(workerID)
	if c.breakers != nil {
		c.breakers.RemoveWorker(workerID)
	}
	return nil
}

// Coordinate resolves one coordination request. Rule-level failures end up in
// the response; only an invalid request returns an error.
func (c *Coordinator) Coordinate(ctx context.Context, request *types.CoordinationRequest) (*types.CoordinationResponse, error) {
	if request == nil {
		return nil, errors.NewValidationError("coordination request is required")
	}
	if request.Message == nil || strings.TrimSpace(request.Message.Content) == "" {
		return nil, errors.NewValidationError("request message content is required")
	}

	start := time.Now()
	plan := c.router.Plan(types.EnvelopeRequest, request.Message, request.Context)

	c.logger.Debug("Coordination plan built",
		"session_id", request.SessionID,
		"message_id", request.Message.ID,
		"rules", len(plan),
	)

	replies := make([]types.WorkerReply, len(plan))
	var wg sync.WaitGroup
	for i := range plan {
		wg.Add(1)
		go func(i int, rule RoutingRule) {
			defer wg.Done()
			replies[i] = c.executeRule(ctx, request, rule)
		}(i, plan[i])
	}
	wg.Wait()

	response := c.aggregate(replies)
	response.Elapsed = time.Since(start)

	status := "failure"
	if response.Success {
		status = "success"
	}
	if c.metrics != nil {
		c.metrics.RecordCoordination(status, response.Elapsed)
	}
	if c.bus != nil {
		c.bus.Publish(events.TopicCoordinationCompleted, events.CoordinationCompletion{
			SessionID: request.SessionID,
			WorkerIDs: response.InvolvedWorkers,
			Success:   response.Success,
			Elapsed:   response.Elapsed,
		})
	}

	c.logger.LogCoordinationEvent(ctx, "coordination_completed", request.SessionID, response.InvolvedWorkers, logrus.Fields{
		"rules":   len(plan),
		"success": response.Success,
		"elapsed": response.Elapsed.String(),
	})

	return response, nil
}

// executeRule resolves a single routing rule: target type first, then each
// fallback type in order, then the degraded-answer provider. A missing worker
// advances the walk without touching any breaker.
func (c *Coordinator) executeRule(ctx context.Context, request *types.CoordinationRequest, rule RoutingRule) types.WorkerReply {
	start := time.Now()

	attempt := make([]types.WorkerType, 0, 1+len(rule.FallbackTypes))
	attempt = append(attempt, rule.TargetType)
	attempt = append(attempt, rule.FallbackTypes...)

	var lastErr error
	for _, workerType := range attempt {
		descriptor, release, err := c.registry.AcquireWorker(workerType, rule.Capability)
		if err != nil {
			lastErr = err
			continue
		}

		value, err := c.controller.ExecuteWorkerCall(ctx, descriptor.ID, workerType, func(opCtx context.Context) (interface{}, error) {
			envelope := types.NewEnvelope(coordinatorSource, descriptor.ID, types.EnvelopeRequest, request.Message)
			envelope.CorrelationID = request.Message.ID

			reply, sendErr := c.dispatcher.Send(opCtx, envelope)
			if sendErr != nil {
				return nil, sendErr
			}
			return reply.Payload, nil
		})
		release()

		if err != nil {
			lastErr = err
			continue
		}

		reply := payloadToReply(value, descriptor.ID, workerType)
		reply.Elapsed = time.Since(start)
		if reply.Success && reply.Content != "" {
			c.controller.CacheResponse(ctx, request.Message, workerType, reply.Content)
		}
		return reply
	}

	if answer := c.controller.GetFallback(ctx, request.Message, rule.TargetType); answer != nil {
		c.logger.Info("Rule resolved with degraded answer",
			"rule", rule.Name,
			"worker_type", rule.TargetType.String(),
			"tier", answer.Tier,
		)
		return types.WorkerReply{
			WorkerType: rule.TargetType,
			Content:    answer.Content,
			Success:    true,
			Elapsed:    time.Since(start),
		}
	}

	errText := fmt.Sprintf("no %s worker produced an answer", rule.TargetType)
	if lastErr != nil {
		errText = lastErr.Error()
	}
	return types.WorkerReply{
		WorkerType: rule.TargetType,
		Success:    false,
		Error:      errText,
		Elapsed:    time.Since(start),
	}
}

// aggregate reduces per-rule replies to one response. One success passes
// through untouched; several are merged; none is an explicit failure.
func (c *Coordinator) aggregate(replies []types.WorkerReply) *types.CoordinationResponse {
	response := &types.CoordinationResponse{
		Replies: replies,
	}

	involved := make([]string, 0, len(replies))
	seen := make(map[string]bool)
	successes := make([]types.WorkerReply, 0, len(replies))

	for _, reply := range replies {
		if reply.WorkerID != "" && !seen[reply.WorkerID] {
			seen[reply.WorkerID] = true
			involved = append(involved, reply.WorkerID)
		}
		if reply.Success {
			successes = append(successes, reply)
		} else if reply.Error != "" {
			response.Errors = append(response.Errors, reply.Error)
		}
	}
	response.InvolvedWorkers = involved

	switch len(successes) {
	case 0:
		response.Aggregated = &types.WorkerReply{
			Success: false,
			Error:   "no worker produced an answer",
		}
	case 1:
		aggregated := successes[0]
		response.Aggregated = &aggregated
		response.Success = true
	default:
		response.Aggregated = mergeReplies(successes)
		response.Success = true
	}

	return response
}

// mergeReplies concatenates several successful replies into one combined
// answer. Content hints are OR-ed across contributors; elapsed is the slowest
// contributor since rules run concurrently.
func mergeReplies(replies []types.WorkerReply) *types.WorkerReply {
	merged := types.WorkerReply{
		WorkerType: replies[0].WorkerType,
		Success:    true,
		Metadata:   types.ReplyMetadata{Merged: true},
	}

	contents := make([]string, 0, len(replies))
	for _, reply := range replies {
		if reply.Content != "" {
			contents = append(contents, reply.Content)
		}
		merged.Metadata.HasCode = merged.Metadata.HasCode || reply.Metadata.HasCode
		merged.Metadata.HasMath = merged.Metadata.HasMath || reply.Metadata.HasMath
		if reply.Elapsed > merged.Elapsed {
			merged.Elapsed = reply.Elapsed
		}
	}
	merged.Content = strings.Join(contents, "\n\n")

	return &merged
}

// payloadToReply normalizes whatever a worker put in its reply envelope
func payloadToReply(payload interface{}, workerID string, workerType types.WorkerType) types.WorkerReply {
	switch value := payload.(type) {
	case *types.WorkerReply:
		reply := *value
		fillReplyIdentity(&reply, workerID, workerType)
		return reply
	case types.WorkerReply:
		fillReplyIdentity(&value, workerID, workerType)
		return value
	case string:
		return types.WorkerReply{
			WorkerID:   workerID,
			WorkerType: workerType,
			Content:    value,
			Success:    true,
		}
	case nil:
		return types.WorkerReply{
			WorkerID:   workerID,
			WorkerType: workerType,
			Success:    false,
			Error:      "worker returned an empty reply",
		}
	default:
		return types.WorkerReply{
			WorkerID:   workerID,
			WorkerType: workerType,
			Content:    fmt.Sprintf("%v", value),
			Success:    true,
		}
	}
}

func fillReplyIdentity(reply *types.WorkerReply, workerID string, workerType types.WorkerType) {
	if reply.WorkerID == "" {
		reply.WorkerID = workerID
	}
	if reply.WorkerType == "" {
		reply.WorkerType = workerType
	}
}
