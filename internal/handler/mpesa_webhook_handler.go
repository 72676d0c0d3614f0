package handler

import (
	"errors"
	"net/http"

	"elimustore/internal/service"
	"elimustore/logger"
	"elimustore/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MpesaWebhookHandler receives asynchronous STK push results from the
// provider. It always acknowledges with the fixed body the provider expects:
// our processing problems are our problems, and a non-200 only makes the
// provider redeliver.
type MpesaWebhookHandler struct {
	payments *service.PaymentService
	metrics  *metrics.StoreMetrics
}

func NewMpesaWebhookHandler(payments *service.PaymentService, m *metrics.StoreMetrics) *MpesaWebhookHandler {
	return &MpesaWebhookHandler{payments: payments, metrics: m}
}

var ackBody = gin.H{"ResultCode": 0, "ResultDesc": "Accepted"}

func (h *MpesaWebhookHandler) Callback(c *gin.Context) {
	var env service.CallbackEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		logger.Log.Warn("malformed mpesa callback", zap.Error(err))
		h.count("malformed")
		c.JSON(http.StatusOK, ackBody)
		return
	}

	cb := env.Body.StkCallback
	if err := h.payments.ProcessCallback(c.Request.Context(), cb); err != nil {
		if errors.Is(err, service.ErrCallbackUnmatched) {
			logger.Log.Warn("unmatched mpesa callback",
				zap.String("checkout_request_id", cb.CheckoutRequestID))
			h.count("unmatched")
		} else {
			logger.Log.Error("mpesa callback processing failed",
				zap.String("checkout_request_id", cb.CheckoutRequestID),
				zap.Error(err))
			h.count("error")
		}
		c.JSON(http.StatusOK, ackBody)
		return
	}

	h.count("processed")
	c.JSON(http.StatusOK, ackBody)
}

func (h *MpesaWebhookHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.CallbacksTotal.WithLabelValues(result).Inc()
	}
}
