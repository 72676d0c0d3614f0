package handler

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"elimustore/internal/middleware"
	"elimustore/internal/models"
	"elimustore/internal/repository"
	"elimustore/internal/service"
	"elimustore/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrderHandler struct {
	orders   *repository.OrderRepository
	products *repository.ProductRepository
	users    *repository.UserRepository
	payments *service.PaymentService
}

func NewOrderHandler(
	orders *repository.OrderRepository,
	products *repository.ProductRepository,
	users *repository.UserRepository,
	payments *service.PaymentService,
) *OrderHandler {
	return &OrderHandler{orders: orders, products: products, users: users, payments: payments}
}

type quickCheckoutRequest struct {
	ProductID uint   `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity"`
	Phone     string `json:"phone"`
}

// QuickCheckout adds a product to the buyer's open pending order, creating
// one when none exists. Unit price is snapshotted from the product at this
// moment and never re-read.
func (h *OrderHandler) QuickCheckout(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req quickCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	product, err := h.products.GetApprovedByID(req.ProductID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found or unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout failed"})
		return
	}

	order, err := h.orders.GetPendingForUser(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		order, err = h.createOrder(userID, req.Phone)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout failed"})
		return
	}

	// One line per product per order; repeat checkouts bump the quantity.
	var existing *models.OrderItem
	for i := range order.Items {
		if order.Items[i].ProductID == product.ID {
			existing = &order.Items[i]
			break
		}
	}
	if existing != nil {
		existing.Quantity += req.Quantity
		err = h.orders.SaveItem(existing)
	} else {
		err = h.orders.CreateItem(&models.OrderItem{
			OrderID:        order.ID,
			ProductID:      product.ID,
			UnitPriceCents: product.PriceCents,
			Quantity:       req.Quantity,
		})
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout failed"})
		return
	}
	if err := h.orders.RecalculateTotals(order); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout failed"})
		return
	}

	fresh, err := h.orders.GetByID(order.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": fresh})
}

func (h *OrderHandler) createOrder(userID uint, phone string) (*models.Order, error) {
	user, err := h.users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if phone == "" {
		phone = user.Phone
	}
	number, err := h.generateOrderNumber()
	if err != nil {
		return nil, err
	}
	order := &models.Order{
		UserID:        userID,
		OrderNumber:   number,
		Status:        models.OrderStatusPending,
		CustomerEmail: user.Email,
		CustomerPhone: phone,
	}
	if err := h.orders.Create(order); err != nil {
		return nil, err
	}
	return order, nil
}

// generateOrderNumber produces an 8-digit human-readable reference, retrying
// on the unlikely collision.
func (h *OrderHandler) generateOrderNumber() (string, error) {
	for i := 0; i < 5; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(100000000))
		if err != nil {
			return "", err
		}
		number := fmt.Sprintf("%08d", n.Int64())
		exists, err := h.orders.OrderNumberExists(number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
	}
	return "", errors.New("could not allocate order number")
}

func (h *OrderHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orders.ListByUser(userID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":    orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *OrderHandler) Get(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := h.orders.GetByIDForUser(uint(id), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Cancel aborts an order that has not been paid yet.
func (h *OrderHandler) Cancel(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := h.orders.GetByIDForUser(uint(id), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}
	if !order.CanBeCancelled() {
		c.JSON(http.StatusConflict, gin.H{"error": "order can no longer be cancelled"})
		return
	}
	won, err := h.orders.TransitionStatus(order.ID,
		[]string{models.OrderStatusPending, models.OrderStatusProcessing},
		models.OrderStatusCancelled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel order"})
		return
	}
	if !won {
		// Payment settled between the read and the update.
		c.JSON(http.StatusConflict, gin.H{"error": "order can no longer be cancelled"})
		return
	}
	logger.Log.Info("order cancelled", zap.Uint("order_id", order.ID), zap.Uint("user_id", userID))
	c.JSON(http.StatusOK, gin.H{"message": "order cancelled"})
}

// ProcessFree settles a zero-total order without a payment round trip.
func (h *OrderHandler) ProcessFree(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := h.payments.ProcessFreeOrder(userID, uint(id))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, service.ErrOrderNotPayable):
			c.JSON(http.StatusConflict, gin.H{"error": "order is not awaiting payment"})
		case errors.Is(err, service.ErrOrderNotFree):
			c.JSON(http.StatusBadRequest, gin.H{"error": "order requires payment"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process order"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RequestRefund records a refund request on a paid order for operator review.
func (h *OrderHandler) RequestRefund(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.payments.RequestRefund(userID, uint(id), req.Reason); err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, service.ErrRefundNotAllowed):
			c.JSON(http.StatusConflict, gin.H{"error": "only paid orders can be refunded"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record refund request"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refund request recorded"})
}

// Refund is the operator action completing a refund: the order and its
// completed payment both move to refunded.
func (h *OrderHandler) Refund(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if err := h.payments.MarkRefunded(uint(id)); err != nil {
		if errors.Is(err, service.ErrRefundNotAllowed) {
			c.JSON(http.StatusConflict, gin.H{"error": "order is not in a refundable state"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refund order"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "order refunded"})
}
