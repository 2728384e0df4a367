package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-pipeline/internal/cart"
	"order-pipeline/internal/models"
	"order-pipeline/internal/service"
	"order-pipeline/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders  *service.OrderService
	catalog *service.CatalogService
	carts   *cart.Service
	deps    map[string]Pinger
	maxWait time.Duration
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler. deps are pinged by /ready.
func NewHandler(
	orders *service.OrderService,
	catalog *service.CatalogService,
	carts *cart.Service,
	deps map[string]Pinger,
	maxWait time.Duration,
) *Handler {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Handler{
		orders:  orders,
		catalog: catalog,
		carts:   carts,
		deps:    deps,
		maxWait: maxWait,
		logger:  util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.submitOrder)
		v1.POST("/orders/process", h.triggerProcessing)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/wait", h.waitOrder)
		v1.POST("/orders/:id/process", h.processOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.GET("/products", h.listProducts)
		v1.POST("/products", h.createProduct)
		v1.GET("/products/:id", h.getProduct)
		v1.PUT("/products/:id", h.updateProduct)
		v1.POST("/products/:id/stock", h.adjustStock)
		v1.DELETE("/products/:id", h.deleteProduct)

		v1.POST("/customers", h.createCustomer)
		v1.GET("/customers/:id", h.getCustomer)
		v1.POST("/customers/:id/wallet/top-up", h.topUp)

		if h.carts != nil {
			v1.GET("/customers/:id/cart", h.getCart)
			v1.PUT("/customers/:id/cart", h.replaceCart)
			v1.POST("/customers/:id/cart/items", h.addCartItem)
			v1.PUT("/customers/:id/cart/items/:productId", h.setCartItem)
			v1.DELETE("/customers/:id/cart/items/:productId", h.removeCartItem)
			v1.POST("/customers/:id/cart/checkout", h.checkout)
		}

		v1.GET("/logs", h.listLogs)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency and reports the ones that fail
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError maps domain errors onto HTTP status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrProductNotFound),
		errors.Is(err, models.ErrCustomerNotFound),
		errors.Is(err, models.ErrReservationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, models.ErrDuplicateIdempotencyKey),
		errors.Is(err, models.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidQuantity),
		errors.Is(err, models.ErrQuantityCapExceeded),
		errors.Is(err, models.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidAmount):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return 0, false
	}
	return n, true
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

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
