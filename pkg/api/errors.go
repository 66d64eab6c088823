package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/engram-dev/engram/pkg/errs"
)

// ErrorBody is the structured error payload shared by all endpoints.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody under the "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// respondError maps service-layer errors to HTTP error responses. Rate-limit
// errors carry a Retry-After header when the service knows the wait.
func respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected service error", "error", err)
	}

	body := ErrorBody{Kind: string(kind), Message: err.Error()}
	var kerr *errs.Error
	if errors.As(err, &kerr) {
		body.Message = kerr.Message
		body.Details = kerr.Details
		if kerr.RetryAfter > 0 {
			secs := int(math.Ceil(kerr.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}

	c.JSON(status, ErrorResponse{Error: body})
}

// respondValidation reports a request-shape problem without a service round
// trip, e.g. a body that fails binding.
func respondValidation(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
		Kind:    string(errs.KindValidation),
		Message: message,
	}})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindDuplicate:
		return http.StatusConflict
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindUnauthenticated:
		return http.StatusUnauthorized
	case errs.KindUpstream:
		return http.StatusServiceUnavailable
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
