package models

import (
	"time"

	"gorm.io/gorm"
)

// Order status lifecycle. Transitions are one-directional except manual
// cancellation from pending/processing and the admin refund annotation.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusPaid       = "paid"
	OrderStatusFailed     = "failed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

type Order struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UserID      uint   `gorm:"not null;index:idx_orders_user_status" json:"user_id"`
	OrderNumber string `gorm:"size:20;uniqueIndex" json:"order_number"`

	SubtotalCents int64 `gorm:"default:0" json:"subtotal_cents"`
	TaxCents      int64 `gorm:"default:0" json:"tax_cents"`
	TotalCents    int64 `gorm:"default:0" json:"total_cents"`

	Status string `gorm:"size:20;default:'pending';index:idx_orders_user_status" json:"status"`

	PaymentMethod    string     `gorm:"size:50" json:"payment_method"`
	PaymentReference string     `gorm:"size:100" json:"payment_reference"`
	PaymentDate      *time.Time `json:"payment_date"`

	// Contact snapshot taken at checkout
	CustomerEmail string `gorm:"size:255" json:"customer_email"`
	CustomerPhone string `gorm:"size:15" json:"customer_phone"`

	Notes string `gorm:"type:text" json:"notes"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	User  User        `gorm:"foreignKey:UserID" json:"-"`
	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// CanBeCancelled reports whether manual cancellation is still allowed.
func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusProcessing
}

// OrderItem is one purchased line. The download token, counter, limit and
// expiry together form the download entitlement minted when the order is paid.
type OrderItem struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	OrderID   uint `gorm:"not null;index;uniqueIndex:idx_order_product" json:"order_id"`
	ProductID uint `gorm:"not null;uniqueIndex:idx_order_product" json:"product_id"`

	// Price snapshotted at purchase time, never re-read from the product
	UnitPriceCents int64 `gorm:"not null" json:"unit_price_cents"`
	Quantity       int   `gorm:"default:1" json:"quantity"`

	DownloadToken     *string    `gorm:"size:100;uniqueIndex" json:"-"`
	DownloadCount     int        `gorm:"default:0" json:"download_count"`
	DownloadLimit     int        `gorm:"default:5" json:"download_limit"`
	DownloadExpiresAt *time.Time `json:"download_expires_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Order   Order   `gorm:"foreignKey:OrderID" json:"-"`
	Product Product `gorm:"foreignKey:ProductID" json:"product,omitempty"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

// TotalCents is the line total.
func (i *OrderItem) TotalCents() int64 {
	return i.UnitPriceCents * int64(i.Quantity)
}

// CanDownload reports whether the entitlement is currently consumable.
// The atomic check happens again at consume time; this is the read-side gate.
func (i *OrderItem) CanDownload(now time.Time) bool {
	if i.DownloadToken == nil || *i.DownloadToken == "" {
		return false
	}
	if i.DownloadExpiresAt != nil && now.After(*i.DownloadExpiresAt) {
		return false
	}
	return i.DownloadCount < i.DownloadLimit
}
