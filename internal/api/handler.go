package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes the HTTP layer
type Options struct {
	// Verbose adds internal error details to 5xx responses
	Verbose bool
	// Dependencies are checked by /ready, keyed by name
	Dependencies map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	orders  *service.OrderService
	carts   *service.CartService
	catalog *service.CatalogService
	opts    Options
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	carts *service.CartService,
	catalog *service.CatalogService,
	opts Options,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orders:  orders,
		carts:   carts,
		catalog: catalog,
		opts:    opts,
		logger:  logger,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// processor callback and public tracking carry no customer identity
		v1.POST("/orders/capture", h.capturePayment)
		v1.GET("/orders/track/:trackingId", h.trackOrder)
		v1.GET("/products", h.listProducts)

		orders := v1.Group("/orders", requireUser())
		orders.POST("", h.createOrder)
		orders.GET("", h.getUserOrders)
		orders.GET("/:id", h.getOrderDetails)
		orders.DELETE("/:id", h.deleteOrder)

		cart := v1.Group("/cart", requireUser())
		cart.GET("", h.getCart)
		cart.POST("/items", h.addCartItem)
		cart.PATCH("/items/:productId", h.updateCartItem)
		cart.DELETE("/items/:productId", h.removeCartItem)
		cart.DELETE("", h.clearCart)

		// admin routes require an identified caller; role checks belong to
		// the authentication layer in front of this service
		admin := v1.Group("/admin", requireUser())
		admin.GET("/orders/orphaned", h.listOrphanedOrders)
		admin.POST("/orders/:id/payment-intent", h.retryPaymentIntent)
		admin.POST("/orders/:id/shipment", h.retryShipment)
		admin.PATCH("/products/:id", h.updateProductPrice)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.opts.Dependencies {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "down"
			ready = false
			continue
		}
		checks[name] = "up"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// requestLogger logs one structured line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
