package repository

import (
	"time"

	"elimustore/internal/models"

	"gorm.io/gorm"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(p *models.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) GetByID(id uint) (*models.Payment, error) {
	var p models.Payment
	err := r.db.First(&p, id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByIDForUser keeps the poll path scoped to the payment's owner.
func (r *PaymentRepository) GetByIDForUser(id, userID uint) (*models.Payment, error) {
	var p models.Payment
	err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) ListByUser(userID uint, page, pageSize int) ([]models.Payment, int64, error) {
	var payments []models.Payment
	var total int64
	q := r.db.Model(&models.Payment{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&payments).Error
	return payments, total, err
}

func (r *PaymentRepository) Save(p *models.Payment) error {
	return r.db.Save(p).Error
}

// MarkRefundedByOrder flips an order's completed payment to refunded.
func (r *PaymentRepository) MarkRefundedByOrder(orderID uint) error {
	return r.db.Model(&models.Payment{}).
		Where("order_id = ? AND status = ?", orderID, models.PaymentStatusCompleted).
		Updates(map[string]interface{}{
			"status":       models.PaymentStatusRefunded,
			"processed_at": time.Now(),
		}).Error
}

// TransitionStatus moves a payment between states guarded by the allowed
// source set. Racing writers (callback vs poll) are linearized here: the
// loser sees zero rows affected.
func (r *PaymentRepository) TransitionStatus(paymentID uint, from []string, to, failureReason string) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	if to == models.PaymentStatusCompleted || to == models.PaymentStatusFailed || to == models.PaymentStatusCancelled {
		updates["processed_at"] = time.Now()
	}
	res := r.db.Model(&models.Payment{}).
		Where("id = ? AND status IN ?", paymentID, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// SetTransactionID records the provider receipt on a completed payment.
func (r *PaymentRepository) SetTransactionID(paymentID uint, transactionID string) error {
	return r.db.Model(&models.Payment{}).
		Where("id = ?", paymentID).
		Update("transaction_id", transactionID).Error
}

// --- M-Pesa correlation rows ---

func (r *PaymentRepository) CreateMpesa(m *models.MpesaPayment) error {
	return r.db.Create(m).Error
}

// GetMpesaByCheckoutID resolves a provider callback to its attempt row.
func (r *PaymentRepository) GetMpesaByCheckoutID(checkoutRequestID string) (*models.MpesaPayment, error) {
	var m models.MpesaPayment
	err := r.db.Where("checkout_request_id = ?", checkoutRequestID).
		Order("created_at DESC").First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetLatestMpesaForPayment returns the current (non-superseded) attempt.
func (r *PaymentRepository) GetLatestMpesaForPayment(paymentID uint) (*models.MpesaPayment, error) {
	var m models.MpesaPayment
	err := r.db.Where("payment_id = ?", paymentID).
		Order("created_at DESC").First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMpesaAttempts counts STK attempts bound to a payment, for the retry cap.
func (r *PaymentRepository) CountMpesaAttempts(paymentID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.MpesaPayment{}).
		Where("payment_id = ?", paymentID).Count(&count).Error
	return count, err
}

func (r *PaymentRepository) SaveMpesa(m *models.MpesaPayment) error {
	return r.db.Save(m).Error
}
