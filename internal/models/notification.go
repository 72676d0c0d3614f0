package models

import "time"

// Notification is the sink for the order-confirmation trigger. Delivery
// (email templating etc.) is handled by an external worker reading this table.
type Notification struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	UserID uint   `gorm:"not null;index" json:"user_id"`
	Type   string `gorm:"size:50;not null" json:"type"`
	Title  string `gorm:"size:255" json:"title"`
	Body   string `gorm:"type:text" json:"body"`
	Data   string `gorm:"type:text" json:"data"` // JSON
	Read   bool   `gorm:"default:false;index" json:"read"`

	CreatedAt time.Time `json:"created_at"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

func (Notification) TableName() string {
	return "notifications"
}
