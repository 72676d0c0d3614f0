package service

import (
	"encoding/json"
	"fmt"

	"elimustore/internal/models"
	"elimustore/internal/repository"
	"elimustore/logger"

	"go.uber.org/zap"
)

// NotificationService records order events for delivery by an external
// worker (email templating and sending are not this service's concern).
type NotificationService struct {
	repo *repository.NotificationRepository
}

func NewNotificationService(repo *repository.NotificationRepository) *NotificationService {
	return &NotificationService{repo: repo}
}

// NotifyOrderConfirmed enqueues the purchase-confirmation trigger after an
// order settles. Called exactly once per order, guarded by the paid
// transition upstream.
func (s *NotificationService) NotifyOrderConfirmed(userID uint, order *models.Order) error {
	data, _ := json.Marshal(map[string]interface{}{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total_cents":  order.TotalCents,
	})
	err := s.repo.Create(&models.Notification{
		UserID: userID,
		Type:   "order_confirmed",
		Title:  fmt.Sprintf("Order %s confirmed", order.OrderNumber),
		Body:   "Your payment was received. Your downloads are ready.",
		Data:   string(data),
	})
	if err != nil {
		logger.Log.Error("order confirmation notification failed",
			zap.Uint("order_id", order.ID), zap.Error(err))
		return err
	}
	logger.Log.Info("order confirmation queued",
		zap.Uint("order_id", order.ID), zap.String("order_number", order.OrderNumber))
	return nil
}
