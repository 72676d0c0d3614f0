package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
)

// Payment is one attempt to settle an order. An order may accumulate several
// attempts through retries; at most one reaches completed.
type Payment struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	OrderID uint `gorm:"not null;index:idx_payments_order_status" json:"order_id"`
	UserID  uint `gorm:"not null;index" json:"user_id"`

	AmountCents   int64  `gorm:"not null" json:"amount_cents"`
	Currency      string `gorm:"size:3;default:'KES'" json:"currency"`
	PaymentMethod string `gorm:"size:20;not null" json:"payment_method"` // mpesa, free

	ExternalReference string `gorm:"size:100;index" json:"external_reference"`
	TransactionID     string `gorm:"size:100;index" json:"transaction_id"`

	Status        string `gorm:"size:20;default:'pending';index:idx_payments_order_status" json:"status"`
	FailureReason string `gorm:"type:text" json:"failure_reason"`

	Metadata    string     `gorm:"type:text" json:"metadata"` // JSON
	ProcessedAt *time.Time `json:"processed_at"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Order Order `gorm:"foreignKey:OrderID" json:"-"`
	User  User  `gorm:"foreignKey:UserID" json:"-"`
}

func (Payment) TableName() string {
	return "payments"
}

// CanRetry reports whether a fresh STK push may be bound to this payment.
func (p *Payment) CanRetry() bool {
	return p.Status == PaymentStatusFailed || p.Status == PaymentStatusCancelled
}

// MpesaPayment holds the provider correlation state for one STK push attempt.
// A retried payment gets a fresh row; old rows are superseded, never deleted.
type MpesaPayment struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	PaymentID uint `gorm:"not null;index" json:"payment_id"`

	CheckoutRequestID string `gorm:"size:100;index" json:"checkout_request_id"`
	MerchantRequestID string `gorm:"size:100" json:"merchant_request_id"`

	PhoneNumber      string `gorm:"size:15;not null" json:"phone_number"`
	AmountCents      int64  `gorm:"not null" json:"amount_cents"`
	AccountReference string `gorm:"size:50" json:"account_reference"`
	TransactionDesc  string `gorm:"size:100" json:"transaction_desc"`

	// Filled exactly once, by the callback or the status poll
	MpesaReceiptNumber string     `gorm:"size:20" json:"mpesa_receipt_number"`
	TransactionDate    *time.Time `json:"transaction_date"`
	ResultCode         *int       `json:"result_code"`
	ResultDesc         string     `gorm:"type:text" json:"result_desc"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Payment Payment `gorm:"foreignKey:PaymentID" json:"-"`
}

func (MpesaPayment) TableName() string {
	return "mpesa_payments"
}
