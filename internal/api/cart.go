package api

import (
	"net/http"

	"order-pipeline/internal/models"

	"github.com/gin-gonic/gin"
)

// Every cart mutation answers with the reconciled server cart.

func (h *Handler) getCart(c *gin.Context) {
	view, err := h.carts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type replaceCartRequest struct {
	Lines []models.CartLine `json:"lines"`
}

func (h *Handler) replaceCart(c *gin.Context) {
	var req replaceCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	view, err := h.carts.Replace(c.Request.Context(), c.Param("id"), req.Lines)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type addCartItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required"`
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	view, err := h.carts.Add(c.Request.Context(), c.Param("id"), req.ProductID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type setCartItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) setCartItem(c *gin.Context) {
	var req setCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	view, err := h.carts.Set(c.Request.Context(), c.Param("id"), c.Param("productId"), req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	view, err := h.carts.Remove(c.Request.Context(), c.Param("id"), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type checkoutRequest struct {
	ProcessNow bool `json:"processNow"`
}

func (h *Handler) checkout(c *gin.Context) {
	var req checkoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	res, err := h.orders.Checkout(c.Request.Context(), c.Param("id"), req.ProcessNow, c.GetHeader("Idempotency-Key"))
	h.writeSubmitResult(c, res, err)
}
