package handler

import (
	"errors"
	"net/http"
	"strconv"

	"elimustore/internal/middleware"
	"elimustore/internal/repository"
	"elimustore/internal/service"
	"elimustore/pkg/phone"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type PaymentHandler struct {
	payments    *service.PaymentService
	paymentRepo *repository.PaymentRepository
}

func NewPaymentHandler(payments *service.PaymentService, paymentRepo *repository.PaymentRepository) *PaymentHandler {
	return &PaymentHandler{payments: payments, paymentRepo: paymentRepo}
}

type initiateRequest struct {
	OrderID uint   `json:"order_id" binding:"required"`
	Phone   string `json:"phone" binding:"required"`
}

// Initiate fires an STK push for a pending order.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.payments.Initiate(c.Request.Context(), userID, req.OrderID, req.Phone)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, service.ErrOrderNotPayable):
			c.JSON(http.StatusConflict, gin.H{"error": "order is not awaiting payment"})
		case errors.Is(err, phone.ErrInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid M-Pesa phone number"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment could not be initiated"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":          result.Payment.ID,
		"status":              result.Payment.Status,
		"checkout_request_id": result.CheckoutRequestID,
		"message":             result.CustomerMessage,
	})
}

// Status reports payment progress, polling the provider for payments still
// in flight so the buyer is not stuck waiting for a lost callback.
func (h *PaymentHandler) Status(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}

	resp, err := h.payments.PollStatus(c.Request.Context(), userID, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payment status"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Retry binds a new STK push to a failed or cancelled payment.
func (h *PaymentHandler) Retry(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}

	result, err := h.payments.Retry(c.Request.Context(), userID, uint(id))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		case errors.Is(err, service.ErrRetryNotAllowed):
			c.JSON(http.StatusConflict, gin.H{"error": "payment cannot be retried"})
		case errors.Is(err, service.ErrRetryLimit):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "payment retry limit reached"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment could not be retried"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":          result.Payment.ID,
		"status":              result.Payment.Status,
		"checkout_request_id": result.CheckoutRequestID,
		"message":             result.CustomerMessage,
	})
}

func (h *PaymentHandler) History(c *gin.Context) {
	userID := middleware.GetUserID(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	payments, total, err := h.paymentRepo.ListByUser(userID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":  payments,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
