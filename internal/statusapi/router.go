package statusapi

import (
	"github.com/gin-gonic/gin"
)

// Router builds the status API engine: request id, logging, recovery, CORS,
// security headers and tracing middleware ahead of the route groups.
func (s *Server) Router() *gin.Engine {
	if s.config != nil && s.config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(s.logger, s.metrics))
	router.Use(RecoveryMiddleware(s.logger, s.metrics))

	allowedOrigins := []string(nil)
	if s.config != nil {
		allowedOrigins = s.config.Server.AllowedOrigins
	}
	router.Use(CORSMiddleware(allowedOrigins))
	router.Use(SecurityHeadersMiddleware())

	if s.tracing != nil {
		router.Use(s.tracing.TracingMiddleware())
	}

	if s.health != nil {
		router.GET("/health", s.health.Handler())
		router.GET("/health/live", s.health.LivenessHandler())
		router.GET("/health/ready", s.health.ReadinessHandler())
	}

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, gin.H{
			"name":    "TutorMesh Coordination Core",
			"version": "1.0.0",
			"status":  "ok",
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/resilience", s.getResilience)
		v1.GET("/workers", s.getWorkers)
		v1.GET("/workers/:id", s.getWorker)
		v1.GET("/degradation", s.getDegradation)
		v1.GET("/mode", s.getMode)
		v1.POST("/mode", s.overrideMode)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
