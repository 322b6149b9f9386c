package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.catalog.ListProducts(c.Request.Context())
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

type priceRequest struct {
	Price *int64 `json:"price" binding:"required"`
}

func (h *Handler) updateProductPrice(c *gin.Context) {
	productID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price is required"})
		return
	}
	product, err := h.catalog.UpdatePrice(c.Request.Context(), productID, *req.Price)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, product)
}
