package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jobvault/jobvault/pkg/queue"
)

// ErrorResponse is the consistent error envelope returned by every endpoint.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// RetryAfter mirrors the Retry-After header on 429 responses, in seconds.
	RetryAfter int `json:"retry_after,omitempty"`
}

// writeError maps queue errors onto HTTP statuses. Rate-limit errors carry a
// Retry-After header so well-behaved clients can pace resubmissions.
func writeError(c *gin.Context, err error) {
	requestID := c.GetString(requestIDKey)

	switch {
	case errors.Is(err, queue.ErrRateLimited):
		resp := ErrorResponse{
			Error:     "rate_limited",
			Code:      queue.CodeRateLimited,
			Message:   err.Error(),
			RequestID: requestID,
		}
		if seconds, ok := queue.RetryAfterSeconds(err); ok {
			resp.RetryAfter = seconds
			c.Header("Retry-After", strconv.Itoa(seconds))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, resp)
	case errors.Is(err, queue.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
			Error:     "not_found",
			Code:      queue.CodeNotFound,
			Message:   err.Error(),
			RequestID: requestID,
		})
	case errors.Is(err, queue.ErrLeaseOwnership):
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{
			Error:     "conflict",
			Code:      queue.CodeLeaseOwnership,
			Message:   err.Error(),
			RequestID: requestID,
		})
	case errors.Is(err, queue.ErrValidation):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "validation_error",
			Code:      queue.CodeValidation,
			Message:   err.Error(),
			RequestID: requestID,
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "internal_server_error",
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		})
	}
}

// writeBadRequest reports a malformed request body before it reaches the
// queue's own validation.
func writeBadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:     "bad_request",
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	})
}
