// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dockerflow/gateway/internal/model"
)

const timeFormat = time.RFC3339

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Success   bool            `json:"success"`
	ErrorKind model.ErrorKind `json:"errorKind"`
	Message   string          `json:"message"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidCommand, model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case model.KindSessionSpawnError:
		return http.StatusServiceUnavailable
	case model.KindTransportClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a structured error response. Unclassified errors
// are reported as Internal.
func sendError(c *gin.Context, err error) {
	kind := model.KindOf(err)
	c.AbortWithStatusJSON(statusFor(kind), ErrorResponse{
		Success:   false,
		ErrorKind: kind,
		Message:   err.Error(),
	})
}

// badRequest reports a body that could not be decoded.
func badRequest(c *gin.Context, err error) {
	sendError(c, model.WrapError(model.KindInvalidArgument, "invalid request body", err))
}

func seconds(d time.Duration) float64 {
	return d.Round(time.Millisecond).Seconds()
}
