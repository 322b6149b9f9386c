package api

import (
	"net/http"
	"strconv"

	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
)

// createOrder checks out the caller's cart
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.orders.CreateOrder(c.Request.Context(), userID(c), req)
	if err != nil {
		// the order exists but has no payment intent yet
		if res != nil {
			h.respondError(c, err, gin.H{"order": res.Order})
			return
		}
		h.respondError(c, err, nil)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, res)
}

type captureRequest struct {
	IntentID string `json:"intent_id"`
}

// capturePayment handles the processor return callback. The intent id is
// read from the body or from the token query parameter.
func (h *Handler) capturePayment(c *gin.Context) {
	var req captureRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}
	if req.IntentID == "" {
		req.IntentID = c.Query("token")
	}
	if req.IntentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intent_id is required"})
		return
	}

	res, err := h.orders.CapturePayment(c.Request.Context(), req.IntentID)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// trackOrder returns the shipment status for a tracking id
func (h *Handler) trackOrder(c *gin.Context) {
	res, err := h.orders.TrackOrder(c.Request.Context(), c.Param("trackingId"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// getUserOrders lists the caller's orders, newest first
func (h *Handler) getUserOrders(c *gin.Context) {
	orders, err := h.orders.GetUserOrders(c.Request.Context(), userID(c))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrderDetails returns one of the caller's orders
func (h *Handler) getOrderDetails(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.GetOrderDetails(c.Request.Context(), userID(c), orderID)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, order)
}

// deleteOrder hard-deletes one of the caller's orders
func (h *Handler) deleteOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.orders.GetOrderDetails(ctx, userID(c), orderID); err != nil {
		h.respondError(c, err, nil)
		return
	}
	if err := h.orders.DeleteOrder(ctx, orderID); err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listOrphanedOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	orders, err := h.orders.ListOrphanedOrders(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) retryPaymentIntent(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.orders.RetryPaymentIntent(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) retryShipment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.orders.RetryShipment(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}
