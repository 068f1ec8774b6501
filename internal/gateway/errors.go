package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
)

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.InvalidInput:
		return http.StatusBadRequest
	case errkind.UnknownTask:
		return http.StatusNotFound
	case errkind.StateConflict, errkind.DuplicateInflight, errkind.Cancelled:
		return http.StatusConflict
	case errkind.Backpressure, errkind.StorageUnavailable:
		return http.StatusServiceUnavailable
	case errkind.Timeout:
		return http.StatusGatewayTimeout
	case errkind.UpstreamUnavailable, errkind.CircuitOpen:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the uniform error body. Backpressure additionally
// carries a Retry-After header and a retry_after_ms hint.
func writeError(c *gin.Context, err error, extra gin.H) {
	kind := errkind.KindOf(err)
	body := gin.H{
		"error_kind": kind,
		"message":    err.Error(),
	}
	if retryAfter := errkind.RetryAfterOf(err); retryAfter > 0 {
		body["retry_after_ms"] = retryAfter.Milliseconds()
		c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds()+0.5)))
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(statusFor(kind), body)
}
