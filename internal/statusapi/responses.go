package statusapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tutormesh/tutormesh/pkg/errors"
)

// APIResponse is the standard response envelope.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries the error code and message inside a response envelope.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	value, exists := c.Get("request_id")
	if !exists {
		return ""
	}
	id, ok := value.(string)
	if !ok {
		return ""
	}
	return id
}

// SuccessResponse sends a 200 response with the standard envelope.
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError maps an error onto a status code and envelope.
func ErrorResponseFromError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	apiError := &APIError{
		Code:    "UNKNOWN_ERROR",
		Message: "An unknown error occurred",
	}

	if appErr, ok := err.(*errors.AppError); ok {
		switch appErr.Type {
		case errors.ErrorTypeValidation:
			statusCode = http.StatusBadRequest
		case errors.ErrorTypeAuthentication:
			statusCode = http.StatusUnauthorized
		case errors.ErrorTypeAuthorization:
			statusCode = http.StatusForbidden
		case errors.ErrorTypeNotFound:
			statusCode = http.StatusNotFound
		case errors.ErrorTypeConflict:
			statusCode = http.StatusConflict
		case errors.ErrorTypeRateLimit:
			statusCode = http.StatusTooManyRequests
		case errors.ErrorTypeTimeout:
			statusCode = http.StatusRequestTimeout
		default:
			statusCode = http.StatusInternalServerError
		}

		apiError = &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
		}
		if len(appErr.Details) > 0 {
			apiError.Details = make(map[string]interface{}, len(appErr.Details))
			for k, v := range appErr.Details {
				apiError.Details[k] = v
			}
		}
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiError,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 with the standard envelope.
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// NotFoundResponse sends a 404 with the standard envelope.
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// InternalErrorResponse sends a 500 with the standard envelope.
func InternalErrorResponse(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    "INTERNAL_ERROR",
			Message: message,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
