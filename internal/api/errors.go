package api

import (
	"errors"
	"net/http"
	"strconv"

	"checkout-service/internal/payment"
	"checkout-service/internal/service"
	"checkout-service/internal/tracking"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDHeader = "X-User-ID"

// statusFor maps a service error to an HTTP status and a public message
func statusFor(err error) (int, string) {
	var rejected *payment.RejectedError
	switch {
	case service.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case service.IsNotFound(err):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrIdempotencyKeyReused):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrCartChanged):
		return http.StatusConflict, "Cart changed during checkout, review it and try again"
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict, "Order is not in a state that allows this action"
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, "Payment was rejected: " + rejected.Detail
	case errors.Is(err, service.ErrPaymentIncomplete):
		return http.StatusPaymentRequired, "Payment has not been completed"
	case errors.Is(err, payment.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "Payment processor timed out"
	case errors.Is(err, payment.ErrGatewayUnavailable), errors.Is(err, tracking.ErrUnavailable):
		return http.StatusBadGateway, "Upstream service unavailable"
	case errors.Is(err, tracking.ErrUnknownTracking):
		return http.StatusNotFound, "Tracking id is not known to the carrier"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// respondError writes err with its mapped status. Internal details are only
// exposed in verbose mode.
func (h *Handler) respondError(c *gin.Context, err error, extra gin.H) {
	code, message := statusFor(err)
	body := gin.H{"error": message}
	for k, v := range extra {
		body[k] = v
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", code),
			zap.Error(err))
		if h.opts.Verbose {
			body["details"] = err.Error()
		}
	}
	c.JSON(code, body)
}

// requireUser reads the authenticated caller from X-User-ID
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(userIDHeader), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid " + userIDHeader})
			return
		}
		c.Set("userID", id)
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64("userID")
}
