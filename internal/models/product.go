package models

import (
	"time"

	"gorm.io/gorm"
)

// Product is a digital item (PDF, DOCX, ...) uploaded by a vendor.
// The file lives on local storage; FilePath is relative to the storage root.
type Product struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	VendorID      uint           `gorm:"not null;index" json:"vendor_id"`
	Title         string         `gorm:"size:255;not null" json:"title"`
	Description   string         `gorm:"type:text" json:"description"`
	PriceCents    int64          `gorm:"not null" json:"price_cents"`
	Currency      string         `gorm:"size:3;default:'KES'" json:"currency"`
	FilePath      string         `gorm:"size:500;not null" json:"-"`
	FileSize      int64          `json:"file_size"`
	FileType      string         `gorm:"size:10" json:"file_type"`
	DownloadCount int64          `gorm:"default:0" json:"download_count"`
	Status        string         `gorm:"size:20;default:'approved';index" json:"status"` // pending, approved, rejected
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	Vendor User `gorm:"foreignKey:VendorID" json:"-"`
}

func (Product) TableName() string {
	return "products"
}
