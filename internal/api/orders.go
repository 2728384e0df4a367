package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"order-pipeline/internal/models"
	"order-pipeline/internal/poller"
	"order-pipeline/internal/service"

	"github.com/gin-gonic/gin"
)

const pollIntervalHeader = "X-Poll-Interval"

func (h *Handler) writeSnapshot(c *gin.Context, status int, snap *models.OrderSnapshot) {
	if !snap.Terminal {
		c.Header(pollIntervalHeader, strconv.FormatInt(snap.PollAfterMs, 10))
	}
	c.JSON(status, snap)
}

func (h *Handler) writeSubmitResult(c *gin.Context, res *service.SubmitOrderResult, err error) {
	if errors.Is(err, service.ErrCartRejected) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      err.Error(),
			"rejections": res.Validation.Rejections,
		})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"orderId":   res.Order.ID,
		"stage":     res.Order.Stage,
		"status":    res.Order.Status,
		"order":     res.Order,
		"duplicate": res.Duplicate,
	})
}

// submitOrder handles order submission
func (h *Handler) submitOrder(c *gin.Context) {
	var req service.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	res, err := h.orders.SubmitOrder(c.Request.Context(), &req)
	h.writeSubmitResult(c, res, err)
}

// triggerProcessing admits every Pending order
func (h *Handler) triggerProcessing(c *gin.Context) {
	n, err := h.orders.TriggerProcessing(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"admitted": n})
}

// processOrder admits a single order
func (h *Handler) processOrder(c *gin.Context) {
	snap, err := h.orders.ProcessOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeSnapshot(c, http.StatusAccepted, snap)
}

// cancelOrder cancels an order still in Pending
func (h *Handler) cancelOrder(c *gin.Context) {
	snap, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrNotCancellable) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "order": snap})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeSnapshot(c, http.StatusOK, snap)
}

// getOrder returns the current snapshot
func (h *Handler) getOrder(c *gin.Context) {
	snap, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeSnapshot(c, http.StatusOK, snap)
}

// waitOrder long-polls until the order is terminal or the timeout passes
func (h *Handler) waitOrder(c *gin.Context) {
	timeout := h.maxWait
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	interval := h.orders.PollInterval()
	snap, err := poller.Watch(ctx, h.orders, c.Param("id"), poller.Options{
		MinInterval: interval,
		MaxInterval: interval,
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.respondError(c, err)
		return
	}
	if snap == nil {
		h.respondError(c, fmt.Errorf("no snapshot before timeout: %w", err))
		return
	}
	h.writeSnapshot(c, http.StatusOK, snap)
}

// listOrders lists snapshots filtered by customer, stage or status
func (h *Handler) listOrders(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	q := service.ListOrdersQuery{
		CustomerID: c.Query("customerId"),
		Status:     models.Status(c.Query("status")),
		Limit:      limit,
	}
	if raw := c.Query("stage"); raw != "" {
		stage, err := models.ParseStage(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		q.Stage = stage
	}
	if q.Status != "" && models.StagesForStatus(q.Status) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(q.Status)})
		return
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// listLogs returns audit entries for the live log panel
func (h *Handler) listLogs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	level := models.LogLevel(c.Query("level"))
	switch level {
	case "", models.LogInfo, models.LogWarning, models.LogError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level " + string(level)})
		return
	}

	entries, err := h.orders.ListLogs(c.Request.Context(), models.LogFilter{
		CustomerID: c.Query("customerId"),
		OrderID:    c.Query("orderId"),
		Level:      level,
		Limit:      limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}
