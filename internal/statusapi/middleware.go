package statusapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/metrics"
)

// RequestIDMiddleware attaches a request id to the gin context, the response
// headers, and the request context used for logging.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// LoggingMiddleware logs each request and feeds the HTTP metrics.
func LoggingMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if logger != nil {
			logger.LogRequest(c.Request.Context(), c.Request.Method, path,
				c.Request.UserAgent(), c.ClientIP(), c.Writer.Status(), duration)
		}
		if m != nil {
			m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// RecoveryMiddleware converts handler panics into a 500 envelope.
func RecoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if logger != nil {
			logger.LogPanic(c.Request.Context(), recovered, "HTTP handler panicked")
		}
		if m != nil {
			m.RecordPanic("statusapi")
		}
		InternalErrorResponse(c, "An internal error occurred")
		c.Abort()
	})
}

// CORSMiddleware configures cross-origin access for dashboards.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	// cors.New rejects a literal "*" entry; map it to AllowAllOrigins.
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	}
	return cors.New(corsConfig)
}

// SecurityHeadersMiddleware adds the standard security headers.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
