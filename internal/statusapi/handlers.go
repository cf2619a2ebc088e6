package statusapi

import (
	"github.com/gin-gonic/gin"

	"github.com/tutormesh/tutormesh/internal/coordination"
	"github.com/tutormesh/tutormesh/internal/fallback"
	"github.com/tutormesh/tutormesh/pkg/config"
	"github.com/tutormesh/tutormesh/pkg/errors"
	"github.com/tutormesh/tutormesh/pkg/health"
	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
	"github.com/tutormesh/tutormesh/pkg/resilience"
	"github.com/tutormesh/tutormesh/pkg/tracing"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// Server exposes the read-only status surface over the coordination core.
// Nothing here mutates worker state; the one write endpoint is the manual
// mode override.
type Server struct {
	config     *config.Config
	health     *health.Service
	metrics    *metrics.Metrics
	registry   *coordination.Registry
	breakers   *resilience.BreakerRegistry
	controller *resilience.Controller
	fallback   *fallback.Provider
	tracing    *tracing.TracingService
	logger     *logging.Logger
}

// NewServer creates the status API server. The fallback provider, tracing
// service and metrics may be nil.
func NewServer(cfg *config.Config, healthService *health.Service, m *metrics.Metrics, registry *coordination.Registry, breakers *resilience.BreakerRegistry, controller *resilience.Controller, provider *fallback.Provider, tracer *tracing.TracingService) *Server {
	return &Server{
		config:     cfg,
		health:     healthService,
		metrics:    m,
		registry:   registry,
		breakers:   breakers,
		controller: controller,
		fallback:   provider,
		tracing:    tracer,
		logger:     logging.GetLogger(),
	}
}

// workerStatus is one row of the workers endpoint.
type workerStatus struct {
	types.WorkerDescriptor
	InFlight int `json:"in_flight"`
}

// getWorkers returns the registry snapshot with in-flight counts.
func (s *Server) getWorkers(c *gin.Context) {
	descriptors := s.registry.Snapshot()
	workers := make([]workerStatus, 0, len(descriptors))
	for _, descriptor := range descriptors {
		workers = append(workers, workerStatus{
			WorkerDescriptor: descriptor,
			InFlight:         s.registry.InFlight(descriptor.ID),
		})
	}

	total, available := s.registry.WorkerCounts()
	SuccessResponse(c, gin.H{
		"total":     total,
		"available": available,
		"workers":   workers,
	})
}

// getResilience returns the mode, the aggregate breaker health, and every
// breaker snapshot (global first).
func (s *Server) getResilience(c *gin.Context) {
	SuccessResponse(c, gin.H{
		"mode":     s.controller.Mode(),
		"health":   s.breakers.Health(),
		"breakers": s.breakers.Snapshots(),
	})
}

// getDegradation returns fallback cache and tier statistics.
func (s *Server) getDegradation(c *gin.Context) {
	if s.fallback == nil {
		SuccessResponse(c, gin.H{"enabled": false})
		return
	}
	SuccessResponse(c, s.fallback.DegradationStatus())
}

// getMode returns the current system mode.
func (s *Server) getMode(c *gin.Context) {
	SuccessResponse(c, gin.H{"mode": s.controller.Mode()})
}

// modeOverrideRequest is the POST /api/v1/mode body.
type modeOverrideRequest struct {
	Mode   string `json:"mode" binding:"required"`
	Reason string `json:"reason"`
}

// overrideMode forces the system mode. The evaluator resumes automatic
// stepping on its next tick.
func (s *Server) overrideMode(c *gin.Context) {
	var request modeOverrideRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		BadRequestResponse(c, "mode is required")
		return
	}

	if err := s.controller.OverrideMode(resilience.SystemMode(request.Mode), request.Reason); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	s.logger.Warn("System mode manually overridden",
		"mode", request.Mode,
		"reason", request.Reason,
		"client_ip", c.ClientIP(),
	)
	SuccessResponse(c, gin.H{"mode": s.controller.Mode()})
}

// getWorker returns a single worker with its breaker snapshot. A worker that
// has not been called yet has no breaker; reading here must not create one.
func (s *Server) getWorker(c *gin.Context) {
	workerID := c.Param("id")
	descriptor, err := s.registry.Get(workerID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			NotFoundResponse(c, "Worker not found")
			return
		}
		ErrorResponseFromError(c, err)
		return
	}

	response := gin.H{
		"worker": workerStatus{WorkerDescriptor: descriptor, InFlight: s.registry.InFlight(workerID)},
	}
	for _, snapshot := range s.breakers.Snapshots() {
		if snapshot.Name == workerID {
			response["breaker"] = snapshot
			break
		}
	}
	SuccessResponse(c, response)
}
